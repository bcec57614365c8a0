package registry

import "github.com/symbolkernel/kernel/internal/kerrors"

// canRead implements the domain visibility policy: global domains are
// readable by everyone, user-owned domains only by their owner or an
// admin.
func canRead(d *Domain, userID string, isAdmin bool) bool {
	if d.IsGlobal() {
		return true
	}
	return isAdmin || d.OwnerUserID == userID
}

// canWrite additionally enforces the global-domain admin-only write
// rule and the read-only override.
func canWrite(d *Domain, userID string, isAdmin bool) error {
	if d.ReadOnly {
		if d.SystemProtected || !isAdmin {
			return &kerrors.ReadOnlyDomainError{DomainID: d.ID}
		}
	}
	if d.IsGlobal() {
		if !isAdmin {
			return kerrors.ErrForbidden
		}
		return nil
	}
	if isAdmin || d.OwnerUserID == userID {
		return nil
	}
	return kerrors.ErrForbidden
}

// canToggleReadOnly restricts readOnly flips to admins.
func canToggleReadOnly(isAdmin bool) error {
	if !isAdmin {
		return kerrors.ErrForbidden
	}
	return nil
}
