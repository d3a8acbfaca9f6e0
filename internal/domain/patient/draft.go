// Package patient holds the patient wizard draft consumed by the numbering
// backend as a keyed, expiring collaborator store.
package patient

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// WizardFeature is the feature segment of patient wizard draft keys
const WizardFeature = "patient_wizard"

// DefaultDraftTTL is how long a saved draft lives
const DefaultDraftTTL = 24 * time.Hour

// DraftKey scopes a draft to one user of one tenant for one feature
type DraftKey struct {
	TenantID uuid.UUID
	UserID   string
	Feature  string
}

// String renders the storage key
func (k DraftKey) String() string {
	return fmt.Sprintf("draft:%s:%s:%s", k.Feature, k.TenantID, k.UserID)
}

// WizardDraft is the partially completed patient wizard
type WizardDraft struct {
	Demographics *Demographics `json:"demographics" validate:"required"`
	Clinical     *Clinical     `json:"clinical,omitempty"`
	Finances     *Finances     `json:"finances,omitempty"`
	CurrentStep  int           `json:"currentStep" validate:"required,min=1,max=3"`
	SavedAt      time.Time     `json:"savedAt" validate:"-"`
}

// Demographics is step one of the wizard
type Demographics struct {
	Name       *string `json:"name,omitempty" validate:"omitempty,max=255"`
	FileNumber *string `json:"file_number,omitempty" validate:"omitempty,max=50"`
	Gender     *string `json:"gender,omitempty" validate:"omitempty,oneof=Male Female"`
	Age        *int    `json:"age,omitempty" validate:"omitempty,min=0,max=150"`
	Phone      *string `json:"phone,omitempty" validate:"omitempty,max=50"`
	CurrencyID *int64  `json:"currency_id,omitempty"`
}

// Clinical is step two of the wizard
type Clinical struct {
	Complaints         *string `json:"complaints,omitempty" validate:"omitempty,max=10000"`
	Diagnosis          *string `json:"diagnosis,omitempty" validate:"omitempty,max=10000"`
	Treatment          *string `json:"treatment,omitempty" validate:"omitempty,max=10000"`
	TreatmentPlanNotes *string `json:"treatment_plan_notes,omitempty" validate:"omitempty,max=10000"`
	ReviewDate         *string `json:"review_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// Finances is step three of the wizard
type Finances struct {
	PendingProcedures []Procedure `json:"pending_procedures,omitempty" validate:"omitempty,dive"`
}

// Procedure is a pending treatment line
type Procedure struct {
	ItemID   *int64  `json:"item_id,omitempty"`
	Name     *string `json:"name,omitempty" validate:"omitempty,max=255"`
	Price    *int64  `json:"price,omitempty" validate:"omitempty,min=0"`
	Quantity *int    `json:"quantity,omitempty" validate:"omitempty,min=1"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func draftValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks the draft; failures are validator.ValidationErrors
func (d *WizardDraft) Validate() error {
	return draftValidator().Struct(d)
}

// DraftStore is a keyed cache of wizard drafts with expiry.
// Load returns shared.ErrNotFound for a missing or expired draft.
type DraftStore interface {
	Save(ctx context.Context, key DraftKey, draft *WizardDraft, ttl time.Duration) error
	Load(ctx context.Context, key DraftKey) (*WizardDraft, error)
	Delete(ctx context.Context, key DraftKey) error
}
