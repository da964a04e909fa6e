package domain

import (
	"fmt"
	"strings"
	"time"
)

// Account is a local user. Its key pair is generated once at creation and never
// rewritten afterwards.
type Account struct {
	Uid           string
	ActorID       string
	Name          string
	Bio           string
	Avatar        string
	PasswordHash  string
	PublicKeyPem  string
	PrivateKeyPem string
	CreatedAt     time.Time
}

// Actor returns the actor URL with an optional postfix, e.g. Actor("/inbox").
func (acc *Account) Actor(postfix string) string {
	return acc.ActorID + postfix
}

// KeyID is the id of the account's signing key.
func (acc *Account) KeyID() string {
	return acc.ActorID + "#main-key"
}

// Owns reports whether id lives under this account's actor URL.
func (acc *Account) Owns(id string) bool {
	return id == acc.ActorID || strings.HasPrefix(id, acc.ActorID+"/")
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tUid: %s \n\tActor: %s \n\tName: %s \n\tCREATED_AT: %s)", acc.Uid, acc.ActorID, acc.Name, acc.CreatedAt)
}
