package usermgmt

import "fmt"

// Code identifies the outcome of an authorization check.
type Code int

const (
	Authorized Code = iota
	UserNotFound
	AccountExpired
	AccountDisabled
	ConcurrencyLimitExceeded
	InvalidPassword
	// StoreUnavailable means the user store could not be read.
	StoreUnavailable
)

func (c Code) String() string {
	switch c {
	case Authorized:
		return "authorized"
	case UserNotFound:
		return "user_not_found"
	case AccountExpired:
		return "account_expired"
	case AccountDisabled:
		return "account_disabled"
	case ConcurrencyLimitExceeded:
		return "concurrency_limit_exceeded"
	case InvalidPassword:
		return "invalid_password"
	case StoreUnavailable:
		return "store_unavailable"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Verdict is the result of Authorize or Admit. Limit carries the effective
// max-connections value when it is known.
type Verdict struct {
	Code  Code
	Limit int
}

// OK reports whether the credentials were accepted.
func (v Verdict) OK() bool {
	return v.Code == Authorized
}

// Reason returns the message sent to the client on failure.
func (v Verdict) Reason() string {
	switch v.Code {
	case Authorized:
		return "Valid user"
	case UserNotFound:
		return "User not found"
	case AccountExpired:
		return "Account expired"
	case AccountDisabled:
		return "Account disabled"
	case ConcurrencyLimitExceeded:
		return fmt.Sprintf("Maximum connections (%d) reached", v.Limit)
	case InvalidPassword:
		return "Invalid password"
	case StoreUnavailable:
		return "User store unavailable"
	}
	return "Unauthorized"
}

func (v Verdict) String() string {
	return v.Reason()
}
