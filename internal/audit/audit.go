// Package audit records account-affecting actions. Writes never fail the
// operation that triggered them.
package audit

import (
	"context"
	"time"
)

const (
	ActionUserCreated     = "USER_CREATED"
	ActionUserUpdated     = "USER_UPDATED"
	ActionUserDeleted     = "USER_DELETED"
	ActionPasswordChanged = "PASSWORD_CHANGED"
	ActionLogout          = "LOGOUT"
	ActionAuthEvent       = "AUTH_EVENT"
	ActionAuthAttempt     = "AUTH_ATTEMPT"
	ActionManifestUpdated = "MANIFEST_UPDATED"
)

type Entry struct {
	ID        int64     `json:"id"`
	UserID    *string   `json:"userId"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	CreatedAt time.Time `json:"createdAt"`
}

type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

type clientKey struct{}

type Client struct {
	IP        string
	UserAgent string
}

func WithClient(ctx context.Context, client Client) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

func ClientFromContext(ctx context.Context) Client {
	client, _ := ctx.Value(clientKey{}).(Client)
	return client
}

func UserRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
