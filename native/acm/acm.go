// Package acm implements call-level access control. A permission names an
// account, a contract and a method signature; governance grants it once and
// every access-controlled setter checks it before touching configuration.
package acm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"isolend/core/types"
)

var (
	// ErrUnauthorized is returned when the caller lacks the permission for
	// the method it invoked.
	ErrUnauthorized    = errors.New("acm: caller not allowed")
	errEmptySignature  = errors.New("acm: method signature required")
	errZeroAccount     = errors.New("acm: account must not be zero")
	errAdminOnly       = errors.New("acm: only the admin may change permissions")
	errAdminNotDefined = errors.New("acm: admin not configured")
)

const (
	EventTypePermissionGranted = "acm.permission.granted"
	EventTypePermissionRevoked = "acm.permission.revoked"
)

type acmState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	Emit(evt *types.Event)
}

// Manager stores granted permissions in state.
type Manager struct {
	state acmState
	admin common.Address
}

// NewManager creates an access control manager administered by admin.
func NewManager(state acmState, admin common.Address) *Manager {
	return &Manager{state: state, admin: admin}
}

// Admin returns the account allowed to grant and revoke permissions.
func (m *Manager) Admin() common.Address {
	if m == nil {
		return common.Address{}
	}
	return m.admin
}

// Role derives the role identifier for a (contract, signature) pair. The zero
// contract address grants the method on every contract.
func Role(contract common.Address, signature string) common.Hash {
	return ethcrypto.Keccak256Hash(contract.Bytes(), []byte(signature))
}

func permissionKey(role common.Hash, account common.Address) []byte {
	return []byte(fmt.Sprintf("acm/permission/%s/%s", role.Hex(), account.Hex()))
}

func normaliseSignature(signature string) (string, error) {
	trimmed := strings.TrimSpace(signature)
	if trimmed == "" {
		return "", errEmptySignature
	}
	return trimmed, nil
}

func (m *Manager) requireAdmin(caller common.Address) error {
	if m.admin == (common.Address{}) {
		return errAdminNotDefined
	}
	if caller != m.admin {
		return errAdminOnly
	}
	return nil
}

// GiveCallPermission allows account to call signature on contract.
func (m *Manager) GiveCallPermission(caller, contract common.Address, signature string, account common.Address) error {
	if err := m.requireAdmin(caller); err != nil {
		return err
	}
	sig, err := normaliseSignature(signature)
	if err != nil {
		return err
	}
	if account == (common.Address{}) {
		return errZeroAccount
	}
	if err := m.state.KVPut(permissionKey(Role(contract, sig), account), true); err != nil {
		return err
	}
	m.state.Emit(&types.Event{
		Type: EventTypePermissionGranted,
		Attributes: map[string]string{
			"contract":  contract.Hex(),
			"signature": sig,
			"account":   account.Hex(),
		},
	})
	return nil
}

// RevokeCallPermission removes a previously granted permission.
func (m *Manager) RevokeCallPermission(caller, contract common.Address, signature string, account common.Address) error {
	if err := m.requireAdmin(caller); err != nil {
		return err
	}
	sig, err := normaliseSignature(signature)
	if err != nil {
		return err
	}
	if err := m.state.KVDelete(permissionKey(Role(contract, sig), account)); err != nil {
		return err
	}
	m.state.Emit(&types.Event{
		Type: EventTypePermissionRevoked,
		Attributes: map[string]string{
			"contract":  contract.Hex(),
			"signature": sig,
			"account":   account.Hex(),
		},
	})
	return nil
}

func (m *Manager) hasRole(role common.Hash, account common.Address) (bool, error) {
	var granted bool
	ok, err := m.state.KVGet(permissionKey(role, account), &granted)
	if err != nil {
		return false, err
	}
	return ok && granted, nil
}

// IsAllowedToCall reports whether account may call signature on contract,
// either through a contract specific grant or a wildcard one.
func (m *Manager) IsAllowedToCall(account, contract common.Address, signature string) (bool, error) {
	if m == nil {
		return false, nil
	}
	sig, err := normaliseSignature(signature)
	if err != nil {
		return false, err
	}
	if ok, err := m.hasRole(Role(contract, sig), account); err != nil || ok {
		return ok, err
	}
	return m.hasRole(Role(common.Address{}, sig), account)
}

// Check returns ErrUnauthorized unless account may call signature on contract.
func (m *Manager) Check(account, contract common.Address, signature string) error {
	allowed, err := m.IsAllowedToCall(account, contract, signature)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot call %s on %s", ErrUnauthorized, account.Hex(), signature, contract.Hex())
	}
	return nil
}
