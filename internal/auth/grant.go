// Package auth issues and checks the bearer tokens renderer processes present
// to the storage bridge. A token carries a Grant: who the renderer is, whether
// it may write, and which tables it may touch.
package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Access is one right a bridge token grants.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// Grant is what a validated token allows its bearer.
type Grant struct {
	Subject string
	Access  []Access
	// Tables limits the grant. Empty means every table.
	Tables []string
}

// Allows reports whether the grant covers access to table. Requests that name
// no table, such as a ping, only need the access right.
func (g Grant) Allows(access Access, table string) bool {
	if !slices.Contains(g.Access, access) {
		return false
	}
	return table == "" || len(g.Tables) == 0 || slices.Contains(g.Tables, table)
}

// ParseAccess reads a comma separated list such as "read,write".
func ParseAccess(value string) ([]Access, error) {
	var rights []Access
	for _, part := range strings.Split(value, ",") {
		right := Access(strings.ToLower(strings.TrimSpace(part)))
		if right == "" {
			continue
		}
		if err := checkAccess(right); err != nil {
			return nil, err
		}
		if !slices.Contains(rights, right) {
			rights = append(rights, right)
		}
	}
	if len(rights) == 0 {
		return nil, errMissingAccess
	}
	return rights, nil
}

func checkAccess(right Access) error {
	switch right {
	case AccessRead, AccessWrite:
		return nil
	}
	return fmt.Errorf("%w: %q", errUnknownAccess, right)
}

func (g Grant) validate() error {
	if strings.TrimSpace(g.Subject) == "" {
		return errMissingSubject
	}
	if len(g.Access) == 0 {
		return errMissingAccess
	}
	for _, right := range g.Access {
		if err := checkAccess(right); err != nil {
			return err
		}
	}
	for _, table := range g.Tables {
		if strings.TrimSpace(table) == "" {
			return errBlankTable
		}
	}
	return nil
}
