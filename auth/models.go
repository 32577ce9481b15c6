package auth

import "context"

type Role string

const (
	RoleTrader      Role = "trader"
	RoleCustodian   Role = "custodian"
	RoleTransporter Role = "transporter"
	RoleOperator    Role = "operator"
)

// Actor is the authenticated caller. The settlement core only sees the
// opaque ID; display names and contact details live elsewhere.
type Actor struct {
	ID   string
	Role Role
}

type actorKey struct{}

// WithActor attaches the caller to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller attached to ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok && a.ID != ""
}
