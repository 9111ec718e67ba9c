package store

import "clinic/admission-service/internal/models"

// ticketTransitions maps a target ticket status to the statuses it may be
// reached from. Completion directly from waiting covers the front-desk
// shortcut where a patient is registered and handled without being called.
var ticketTransitions = map[string][]string{
	models.TicketCalled:    {models.TicketWaiting},
	models.TicketCompleted: {models.TicketWaiting, models.TicketCalled},
	models.TicketCancelled: {models.TicketWaiting, models.TicketCalled},
}

func ValidTransition(from, to string) bool {
	allowed, ok := ticketTransitions[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// registrationStatusFor gives the registration status that must accompany a
// ticket status; ticket and registration always move together.
var registrationStatusFor = map[string]string{
	models.TicketWaiting:   models.RegistrationRegistered,
	models.TicketCalled:    models.RegistrationInConsultation,
	models.TicketCompleted: models.RegistrationCompleted,
	models.TicketCancelled: models.RegistrationCancelled,
}

func RegistrationStatusFor(ticketStatus string) (string, bool) {
	status, ok := registrationStatusFor[ticketStatus]
	return status, ok
}
