package handlers

type requirementsObject struct {
	CurrentlyDue []string `json:"currently_due"`
	PastDue      []string `json:"past_due"`
}

type accountObject struct {
	ID               string             `json:"id"`
	Email            string             `json:"email"`
	ChargesEnabled   bool               `json:"charges_enabled"`
	PayoutsEnabled   bool               `json:"payouts_enabled"`
	DetailsSubmitted bool               `json:"details_submitted"`
	Requirements     requirementsObject `json:"requirements"`
}

type capabilityObject struct {
	ID           string             `json:"id"`
	Account      string             `json:"account"`
	Status       string             `json:"status"`
	Requirements requirementsObject `json:"requirements"`
}

type payoutObject struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	Destination    string `json:"destination"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
	ArrivalDate    int64  `json:"arrival_date"`
}

type transferObject struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	Description string `json:"description"`
	Reversed    bool   `json:"reversed"`
}
