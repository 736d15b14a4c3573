package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/core"
	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/registry"
	"github.com/leozw/shopcore/internal/storage/postgres"
	"github.com/leozw/shopcore/pkg/session"
)

const (
	ReasonInvalidToken    = "invalid token"
	ReasonTenantSuspended = "tenant suspended"
	ReasonTokenNotValid   = "token not valid"
)

// Error is an authentication failure. The reason is deliberately coarse:
// a missing user, a missing tenant and a bad claim all read the same.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "unauthorized: " + e.Reason }

func deny(reason string) error { return &Error{Reason: reason} }

// TenantUnreachableError means the token was fine but the shop's
// database could not be used. It is an outage, not a denial.
type TenantUnreachableError struct {
	TenantID string
	Err      error
}

func (e *TenantUnreachableError) Error() string {
	return fmt.Sprintf("tenant %s unreachable: %v", e.TenantID, e.Err)
}

func (e *TenantUnreachableError) Unwrap() error { return e.Err }

type TokenParser interface {
	Parse(token string) (*session.Claims, error)
}

// Directory is the master store lookup.
type Directory interface {
	GetOperator(ctx context.Context, id string) (*core.Operator, error)
	GetTenant(ctx context.Context, id string) (*core.Tenant, error)
	GetLegacyUser(ctx context.Context, id string) (*core.User, error)
}

type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type Connector interface {
	Get(ctx context.Context, tenantID, dsn string) (*registry.Conn, error)
}

type UserLookup interface {
	GetUser(ctx context.Context, id string) (*core.User, error)
}

type ResolverConfig struct {
	Tokens    TokenParser
	Directory Directory
	Vault     Decrypter
	Registry  Connector
	// TenantUsers opens the user lookup inside a shop database. Defaults
	// to the ledger store on the connection.
	TenantUsers func(conn *registry.Conn) UserLookup
	Logger      *zap.Logger
}

type Resolver struct {
	tokens      TokenParser
	directory   Directory
	vault       Decrypter
	registry    Connector
	tenantUsers func(conn *registry.Conn) UserLookup
	logger      *zap.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		tokens:      cfg.Tokens,
		directory:   cfg.Directory,
		vault:       cfg.Vault,
		registry:    cfg.Registry,
		tenantUsers: cfg.TenantUsers,
		logger:      cfg.Logger,
	}
	if r.tenantUsers == nil {
		r.tenantUsers = func(conn *registry.Conn) UserLookup { return ledger.NewStore(conn) }
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("auth")
	return r
}

// Resolve classifies the bearer of token. It reads but never writes auth
// state; the only side effect is opening the shop connection for admins.
func (r *Resolver) Resolve(ctx context.Context, token string) (Principal, error) {
	claims, err := r.tokens.Parse(token)
	if err != nil {
		return nil, deny(ReasonInvalidToken)
	}

	switch claims.Type {
	case session.TypeDeveloper:
		return r.resolveOperator(ctx, claims)
	case session.TypeAdmin:
		return r.resolveTenantAdmin(ctx, claims)
	case "":
		return r.resolveLegacy(ctx, claims)
	default:
		return nil, deny(ReasonInvalidToken)
	}
}

func (r *Resolver) resolveOperator(ctx context.Context, claims *session.Claims) (Principal, error) {
	op, err := r.directory.GetOperator(ctx, claims.UserID)
	if err != nil {
		return nil, lookupFailure(err, postgres.ErrNotFound)
	}
	if op.Status != core.UserActive {
		return nil, deny(ReasonTokenNotValid)
	}

	return &PlatformOperator{User: Identity{
		UserID:      op.ID,
		Email:       op.Email,
		Role:        RoleSuperAdmin,
		Permissions: []string{PermissionAll},
	}}, nil
}

func (r *Resolver) resolveTenantAdmin(ctx context.Context, claims *session.Claims) (Principal, error) {
	if claims.TenantID == "" {
		return nil, deny(ReasonTokenNotValid)
	}

	tenant, err := r.directory.GetTenant(ctx, claims.TenantID)
	if err != nil {
		return nil, lookupFailure(err, postgres.ErrNotFound)
	}
	if !tenant.IsActive() {
		return nil, deny(ReasonTenantSuspended)
	}

	logger := r.logger.With(zap.String("tenant_id", tenant.ID))

	dsn, err := r.vault.Decrypt(tenant.EncryptedDSN)
	if err != nil {
		// a credential this process cannot open is an operator fault
		logger.Error("Failed to decrypt tenant credential", zap.Error(err))
		return nil, &TenantUnreachableError{TenantID: tenant.ID, Err: err}
	}

	conn, err := r.registry.Get(ctx, tenant.ID, dsn)
	if err != nil {
		logger.Warn("Tenant database unreachable", zap.Error(err))
		return nil, &TenantUnreachableError{TenantID: tenant.ID, Err: err}
	}

	user, err := r.tenantUsers(conn).GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, deny(ReasonTokenNotValid)
		}
		if registry.IsDisconnect(err) {
			return nil, &TenantUnreachableError{TenantID: tenant.ID, Err: err}
		}
		return nil, fmt.Errorf("lookup tenant user: %w", err)
	}
	if !user.IsActive() {
		return nil, deny(ReasonTokenNotValid)
	}

	return &TenantAdmin{
		User: Identity{
			UserID:      user.ID,
			Email:       user.Email,
			Role:        user.Role,
			Permissions: []string(user.Permissions),
		},
		TenantID: tenant.ID,
		Conn:     conn,
	}, nil
}

func (r *Resolver) resolveLegacy(ctx context.Context, claims *session.Claims) (Principal, error) {
	user, err := r.directory.GetLegacyUser(ctx, claims.UserID)
	if err != nil {
		return nil, lookupFailure(err, postgres.ErrNotFound)
	}
	if !user.IsActive() {
		return nil, deny(ReasonTokenNotValid)
	}

	return &LegacyUser{User: Identity{
		UserID:      user.ID,
		Email:       user.Email,
		Role:        user.Role,
		Permissions: []string(user.Permissions),
	}}, nil
}

// lookupFailure turns a miss into the uniform denial and leaves
// infrastructure errors alone.
func lookupFailure(err, notFound error) error {
	if errors.Is(err, notFound) {
		return deny(ReasonTokenNotValid)
	}
	return fmt.Errorf("directory lookup: %w", err)
}
