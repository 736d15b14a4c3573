package provisioning

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/core"
	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/migration"
	"github.com/leozw/shopcore/internal/registry"
)

var ErrTenantExists = errors.New("tenant already exists")

const uniqueViolation pq.ErrorCode = "23505"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Directory interface {
	CreateTenant(ctx context.Context, tenant *core.Tenant) error
	GetTenant(ctx context.Context, id string) (*core.Tenant, error)
	TenantExists(ctx context.Context, id string) (bool, error)
	DeleteTenant(ctx context.Context, id string) error
	UpdateTenantStatus(ctx context.Context, id string, status core.TenantStatus) error
	UpdateSubscription(ctx context.Context, id string, start, end *time.Time, payment core.PaymentStatus) error
}

type Sealer interface {
	Seal(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type Connector interface {
	Get(ctx context.Context, tenantID, dsn string) (*registry.Conn, error)
	Close(tenantID string) error
}

// Migrator brings a freshly provisioned shop database to the current
// ledger schema.
type Migrator func(ctx context.Context, dsn string) error

func LedgerMigrator(_ context.Context, dsn string) error {
	return migration.Up(dsn, ledger.Migrations, "migrations")
}

type Input struct {
	ID                string             `json:"id" binding:"required"`
	Name              string             `json:"name" binding:"required"`
	OwnerEmail        string             `json:"owner_email" binding:"required,email"`
	DSN               string             `json:"dsn" binding:"required"`
	PaymentStatus     core.PaymentStatus `json:"payment_status"`
	SubscriptionStart *time.Time         `json:"subscription_start"`
	SubscriptionEnd   *time.Time         `json:"subscription_end"`
}

type Subscription struct {
	Start         *time.Time         `json:"start"`
	End           *time.Time         `json:"end"`
	PaymentStatus core.PaymentStatus `json:"payment_status" binding:"required"`
}

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,62}$`)

type Service struct {
	directory Directory
	vault     Sealer
	registry  Connector
	migrate   Migrator
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires provisioning. migrate may be nil, in which case new
// shop databases are expected to be migrated out of band.
func NewService(directory Directory, vault Sealer, connector Connector, migrate Migrator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		directory: directory,
		vault:     vault,
		registry:  connector,
		migrate:   migrate,
		logger:    logger.Named("provisioning"),
		now:       time.Now,
	}
}

// Provision registers a new shop. The record is written only once the
// connection string is sealed, and removed again if the shop database
// cannot be reached or migrated.
func (s *Service) Provision(ctx context.Context, in Input) (*core.Tenant, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	exists, err := s.directory.TenantExists(ctx, in.ID)
	if err != nil {
		return nil, fmt.Errorf("check tenant: %w", err)
	}
	if exists {
		return nil, ErrTenantExists
	}

	sealed, err := s.vault.Seal(in.DSN)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	dsn, err := s.vault.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("open credential: %w", err)
	}

	now := s.now().UTC()
	tenant := &core.Tenant{
		ID:                in.ID,
		Name:              in.Name,
		OwnerEmail:        in.OwnerEmail,
		EncryptedDSN:      sealed,
		Status:            core.TenantActive,
		PaymentStatus:     in.PaymentStatus,
		SubscriptionStart: in.SubscriptionStart,
		SubscriptionEnd:   in.SubscriptionEnd,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.directory.CreateTenant(ctx, tenant); err != nil {
		// another request inserted the same id after the existence check
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrTenantExists
		}
		return nil, fmt.Errorf("create tenant: %w", err)
	}

	logger := s.logger.With(zap.String("tenant_id", tenant.ID))

	if _, err := s.registry.Get(ctx, tenant.ID, dsn); err != nil {
		logger.Warn("New tenant database unreachable, rolling back", zap.Error(err))
		s.rollback(tenant.ID, logger)
		return nil, err
	}

	if s.migrate != nil {
		if err := s.migrate(ctx, dsn); err != nil {
			logger.Error("Tenant migration failed, rolling back", zap.Error(err))
			s.registry.Close(tenant.ID)
			s.rollback(tenant.ID, logger)
			return nil, fmt.Errorf("migrate tenant: %w", err)
		}
	}

	logger.Info("Tenant provisioned", zap.String("name", tenant.Name))
	return tenant, nil
}

func (s *Service) rollback(id string, logger *zap.Logger) {
	// the caller's ctx may already be done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.directory.DeleteTenant(ctx, id); err != nil {
		logger.Error("Failed to remove tenant record", zap.Error(err))
	}
}

// UpdateStatus changes lifecycle status. Leaving active drops the
// cached connection so no request keeps using it.
func (s *Service) UpdateStatus(ctx context.Context, id string, status core.TenantStatus) (*core.Tenant, error) {
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: "must be active, inactive or suspended"}
	}

	if err := s.directory.UpdateTenantStatus(ctx, id, status); err != nil {
		return nil, err
	}

	if status != core.TenantActive {
		if err := s.registry.Close(id); err != nil {
			s.logger.Warn("Failed to close tenant connection", zap.String("tenant_id", id), zap.Error(err))
		}
	}

	s.logger.Info("Tenant status changed", zap.String("tenant_id", id), zap.String("status", string(status)))
	return s.directory.GetTenant(ctx, id)
}

func (s *Service) UpdateSubscription(ctx context.Context, id string, sub Subscription) (*core.Tenant, error) {
	if !sub.PaymentStatus.Valid() {
		return nil, &ValidationError{Field: "payment_status", Message: "must be paid, unpaid or overdue"}
	}
	if sub.Start != nil && sub.End != nil && !sub.End.After(*sub.Start) {
		return nil, &ValidationError{Field: "end", Message: "must be after start"}
	}

	if err := s.directory.UpdateSubscription(ctx, id, sub.Start, sub.End, sub.PaymentStatus); err != nil {
		return nil, err
	}
	return s.directory.GetTenant(ctx, id)
}

func validateInput(in *Input) error {
	in.ID = strings.TrimSpace(in.ID)
	if !tenantIDPattern.MatchString(in.ID) {
		return &ValidationError{Field: "id", Message: "must be 2-63 lowercase letters, digits, '-' or '_'"}
	}
	if strings.TrimSpace(in.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if strings.TrimSpace(in.DSN) == "" {
		return &ValidationError{Field: "dsn", Message: "is required"}
	}
	if in.PaymentStatus == "" {
		in.PaymentStatus = core.PaymentUnpaid
	}
	if !in.PaymentStatus.Valid() {
		return &ValidationError{Field: "payment_status", Message: "must be paid, unpaid or overdue"}
	}
	if in.SubscriptionStart != nil && in.SubscriptionEnd != nil && !in.SubscriptionEnd.After(*in.SubscriptionStart) {
		return &ValidationError{Field: "subscription_end", Message: "must be after subscription_start"}
	}
	return nil
}
