package network

import "context"

// TokenClient issues short-lived storage credentials for an upload intent.
type TokenClient interface {
	GetToken(ctx context.Context, request TokenRequest) (*Token, error)
}
