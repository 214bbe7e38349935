package account

import (
	"errors"
	"sync"
)

// ErrInsufficientFunds is returned by Debit when the balance cannot cover
// the requested amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Store holds the dashboard account state: the selected client profile and
// the credit balance that gates command submission.
type Store struct {
	mu      sync.RWMutex
	client  string
	balance float64
}

// New creates an account store with the given opening balance.
func New(openingBalance float64) *Store {
	return &Store{balance: openingBalance}
}

// SelectClient sets the active client profile. An empty id clears it.
func (s *Store) SelectClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = id
}

// ActiveClient returns the selected client profile, if any.
func (s *Store) ActiveClient() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.client != ""
}

// Balance returns the current credit balance.
func (s *Store) Balance() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

// SetBalance replaces the credit balance.
func (s *Store) SetBalance(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = amount
}

// Credit adds to the balance.
func (s *Store) Credit(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance += amount
}

// Debit subtracts from the balance, failing if it would go negative.
func (s *Store) Debit(amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance < amount {
		return ErrInsufficientFunds
	}
	s.balance -= amount
	return nil
}
