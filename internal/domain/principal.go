package domain

// SubjectType differentiates residents vs staff tokens.
type SubjectType string

const (
	SubjectTypeResident SubjectType = "RESIDENT"
	SubjectTypeStaff    SubjectType = "STAFF"
)

// Principal is the authenticated caller resolved from a bearer token.
type Principal struct {
	SubjectID string
	Subject   SubjectType
}

// IsStaff reports whether the caller acts on behalf of the management office.
func (p *Principal) IsStaff() bool {
	return p != nil && p.Subject == SubjectTypeStaff
}

// SenderRole maps the subject to the role recorded on authored messages.
func (p *Principal) SenderRole() SenderRole {
	if p.IsStaff() {
		return SenderRoleStaff
	}
	return SenderRoleResident
}
