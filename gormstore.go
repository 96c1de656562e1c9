package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type OauthFlow struct {
	State               string   `gorm:"primaryKey"`
	Step                FlowStep `gorm:"index"`
	Did                 string   `gorm:"index"`
	LoginHint           string
	PdsUrl              string
	AuthserverIss       string
	TokenEndpoint       string
	PkceVerifier        string
	DpopPrivateJwk      string
	DpopAuthserverNonce string
	AccessToken         string
	RefreshToken        string
	Scope               string
	TokenExpiresAt      time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time `gorm:"index"`
}

func (OauthFlow) TableName() string {
	return "oauth_flows"
}

func oauthFlowFromState(f FlowState) OauthFlow {
	return OauthFlow{
		State:               f.State,
		Step:                f.Step,
		Did:                 f.Did,
		LoginHint:           f.LoginHint,
		PdsUrl:              f.PdsUrl,
		AuthserverIss:       f.AuthserverIss,
		TokenEndpoint:       f.TokenEndpoint,
		PkceVerifier:        f.PkceVerifier,
		DpopPrivateJwk:      f.DpopPrivateJwk,
		DpopAuthserverNonce: f.DpopAuthserverNonce,
		AccessToken:         f.AccessToken,
		RefreshToken:        f.RefreshToken,
		Scope:               f.Scope,
		TokenExpiresAt:      f.TokenExpiresAt.UTC(),
		CreatedAt:           f.CreatedAt.UTC(),
		ExpiresAt:           f.ExpiresAt.UTC(),
	}
}

func (o *OauthFlow) flowState() *FlowState {
	return &FlowState{
		State:               o.State,
		Step:                o.Step,
		Did:                 o.Did,
		LoginHint:           o.LoginHint,
		PdsUrl:              o.PdsUrl,
		AuthserverIss:       o.AuthserverIss,
		TokenEndpoint:       o.TokenEndpoint,
		PkceVerifier:        o.PkceVerifier,
		DpopPrivateJwk:      o.DpopPrivateJwk,
		DpopAuthserverNonce: o.DpopAuthserverNonce,
		AccessToken:         o.AccessToken,
		RefreshToken:        o.RefreshToken,
		Scope:               o.Scope,
		TokenExpiresAt:      o.TokenExpiresAt,
		CreatedAt:           o.CreatedAt,
		ExpiresAt:           o.ExpiresAt,
	}
}

// GormStore keeps flow records in a sql database through gorm.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ FlowStore = (*GormStore)(nil)

// NewGormStore migrates the oauth_flows table and returns a store backed by db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&OauthFlow{}); err != nil {
		return nil, fmt.Errorf("could not migrate oauth flow table: %w", err)
	}

	return &GormStore{
		db: db,
		// times are compared inside sqlite, keep them in one zone
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *GormStore) SaveFlow(ctx context.Context, flow FlowState) error {
	if flow.State == "" {
		return fmt.Errorf("flow state key is empty")
	}

	// a stale record may still be sitting under this key if it was never purged
	if err := s.db.WithContext(ctx).
		Where("state = ? AND expires_at <= ?", flow.State, s.now()).
		Delete(&OauthFlow{}).Error; err != nil {
		return err
	}

	record := oauthFlowFromState(flow)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("could not save oauth flow: %w", err)
	}

	return nil
}

func (s *GormStore) GetFlow(ctx context.Context, state string) (*FlowState, error) {
	var record OauthFlow
	err := s.db.WithContext(ctx).
		Where("state = ? AND expires_at > ?", state, s.now()).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownOrExpiredState
	}
	if err != nil {
		return nil, err
	}

	return record.flowState(), nil
}

func (s *GormStore) ClaimFlow(ctx context.Context, state string) (*FlowState, error) {
	res := s.db.WithContext(ctx).
		Model(&OauthFlow{}).
		Where("state = ? AND step = ? AND expires_at > ?", state, StepAwaitingCallback, s.now()).
		Update("step", StepExchangingToken)
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		if _, err := s.GetFlow(ctx, state); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyCompleted
	}

	return s.GetFlow(ctx, state)
}

func (s *GormStore) AttachTokens(ctx context.Context, state string, tokens TokenSet, retainUntil time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record OauthFlow
		err := tx.Where("state = ? AND expires_at > ?", state, s.now()).First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownOrExpiredState
		}
		if err != nil {
			return err
		}

		flow := record.flowState()
		flow.applyTokens(tokens, retainUntil)
		updated := oauthFlowFromState(*flow)

		return tx.Save(&updated).Error
	})
}

func (s *GormStore) FailFlow(ctx context.Context, state string) error {
	res := s.db.WithContext(ctx).
		Model(&OauthFlow{}).
		Where("state = ? AND step = ? AND expires_at > ?", state, StepExchangingToken, s.now()).
		Update("step", StepFailed)
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		flow, err := s.GetFlow(ctx, state)
		if err != nil {
			return err
		}
		return fmt.Errorf("flow is %s, only flows exchanging a code can fail", flow.Step)
	}

	return nil
}

func (s *GormStore) DeleteFlow(ctx context.Context, state string) error {
	return s.db.WithContext(ctx).Where("state = ?", state).Delete(&OauthFlow{}).Error
}

func (s *GormStore) PurgeExpired(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&OauthFlow{})
	if res.Error != nil {
		return 0, res.Error
	}

	return int(res.RowsAffected), nil
}
