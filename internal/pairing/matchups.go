package pairing

import (
	"fmt"

	"debatenow/models"
)

// Matchups maps each debate role to the single role it debates against.
type Matchups map[string]string

// DefaultMatchups is the stock character pairing.
func DefaultMatchups() Matchups {
	return Matchups{
		"Kamala": "Trump",
		"Trump":  "Kamala",
	}
}

// Validate checks the table is non-empty and symmetric.
func (m Matchups) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("pairing: empty matchup table")
	}
	for role, opp := range m {
		if role == "" || opp == "" {
			return fmt.Errorf("pairing: blank role in matchup %q -> %q", role, opp)
		}
		if back, ok := m[opp]; !ok || back != role {
			return fmt.Errorf("pairing: matchup %q -> %q is not symmetric", role, opp)
		}
	}
	return nil
}

// Opponent returns the role that debates against role.
func (m Matchups) Opponent(role string) (string, bool) {
	opp, ok := m[role]
	return opp, ok
}

// AssignRoles seats two users. The lexicographically smaller id is the
// initiator, so both sides compute the same seating independently.
func AssignRoles(a, b string) (initiator, receiver string) {
	if a < b {
		return a, b
	}
	return b, a
}

// seat orders two waiting entries by AssignRoles.
func seat(a, b models.WaitingEntry) (initiator, receiver models.WaitingEntry) {
	if ini, _ := AssignRoles(a.UserID, b.UserID); ini == a.UserID {
		return a, b
	}
	return b, a
}
