package store

import "time"

// Application is reference data used to enrich a group at creation.
type Application struct {
	AppNo        string
	CustomerName string
	Branch       string
	BranchCode   string
	UpdatedAt    time.Time
}

type SanctionedCase struct {
	AppNo        string
	CustomerName string
	Branch       string
	CreatedAt    time.Time
}
