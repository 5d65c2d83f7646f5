package gradius

import (
	"context"
	"strings"
)

const (
	defaultAccountingLimit = 100
	maxAccountingLimit     = 1000
)

// AccountingService reads the accounting table the RADIUS server writes.
type AccountingService struct {
	Database Database
}

// Records returns accounting rows, newest first.
func (a *AccountingService) Records(ctx context.Context, filter AccountingFilter) ([]AccountingRecord, error) {
	const op = "radius.records"
	filter.Username = strings.TrimSpace(filter.Username)
	switch {
	case filter.Limit < 0:
		return nil, errorf(KindInvalid, op, "limit must not be negative")
	case filter.Limit == 0:
		filter.Limit = defaultAccountingLimit
	case filter.Limit > maxAccountingLimit:
		filter.Limit = maxAccountingLimit
	}
	return a.Database.AccountingRecords(ctx, filter)
}

// ActiveSessions returns accounting sessions that have not stopped yet.
func (a *AccountingService) ActiveSessions(ctx context.Context) ([]AccountingRecord, error) {
	return a.Database.ActiveAccountingSessions(ctx)
}

// Users returns the check attributes of every RADIUS user, by username.
func (a *AccountingService) Users(ctx context.Context) ([]RadCheck, error) {
	return a.Database.RadiusUsers(ctx)
}
