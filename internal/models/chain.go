package models

import "fmt"

// ApprovalChain is the ordered, read-only role sequence every reimbursement
// travels. Level numbering is 1-based. The chain is built once at startup
// (or per test) and never mutated afterwards.
type ApprovalChain struct {
	roles []UserRole
}

// NewApprovalChain validates and builds a chain from the configured roles.
// Roles must be non-empty and unique.
func NewApprovalChain(roles []UserRole) (*ApprovalChain, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("approval chain must contain at least one role")
	}
	seen := make(map[UserRole]struct{}, len(roles))
	chain := make([]UserRole, 0, len(roles))
	for _, role := range roles {
		if role == "" {
			return nil, fmt.Errorf("approval chain contains an empty role")
		}
		if _, dup := seen[role]; dup {
			return nil, fmt.Errorf("approval chain contains duplicate role %s", role)
		}
		seen[role] = struct{}{}
		chain = append(chain, role)
	}
	return &ApprovalChain{roles: chain}, nil
}

// Len returns the number of levels in the chain.
func (c *ApprovalChain) Len() int {
	return len(c.roles)
}

// First returns the role acting at level 1.
func (c *ApprovalChain) First() UserRole {
	return c.roles[0]
}

// Roles returns a copy of the ordered role list.
func (c *ApprovalChain) Roles() []UserRole {
	out := make([]UserRole, len(c.roles))
	copy(out, c.roles)
	return out
}

// Level returns the 1-based level of the role, or 0 when the role is not
// part of the chain.
func (c *ApprovalChain) Level(role UserRole) int {
	for i, r := range c.roles {
		if r == role {
			return i + 1
		}
	}
	return 0
}

// Contains reports whether the role participates in the chain.
func (c *ApprovalChain) Contains(role UserRole) bool {
	return c.Level(role) > 0
}

// Next returns the role immediately after the given one. The second return
// is false when the role is last in the chain (terminal approval) or not a
// chain member at all.
func (c *ApprovalChain) Next(role UserRole) (UserRole, bool) {
	level := c.Level(role)
	if level == 0 || level >= len(c.roles) {
		return "", false
	}
	return c.roles[level], true
}

// At returns the role acting at the given 1-based level.
func (c *ApprovalChain) At(level int) (UserRole, bool) {
	if level < 1 || level > len(c.roles) {
		return "", false
	}
	return c.roles[level-1], true
}
