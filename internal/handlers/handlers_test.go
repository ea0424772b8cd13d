package handlers

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pipxcapital/propcore/internal/challenge"
	"github.com/pipxcapital/propcore/internal/rate"
	"github.com/pipxcapital/propcore/internal/storage"
	"github.com/pipxcapital/propcore/internal/testutil"
	"github.com/pipxcapital/propcore/internal/transfer"
	"github.com/pipxcapital/propcore/libs/auth"
)

var testSecret = []byte("handlers-test-secret")

type fakeTransferService struct {
	wallet     storage.Wallet
	accounts   []storage.TradingAccount
	txs        []storage.Transaction
	depositErr error

	lastDeposit struct {
		accountID string
		amount    string
	}
	reviewResult *storage.WithdrawalResult
}

func (f *fakeTransferService) Wallet(ctx context.Context, userID uuid.UUID) (storage.Wallet, error) {
	return f.wallet, nil
}

func (f *fakeTransferService) Accounts(ctx context.Context, userID uuid.UUID) ([]storage.TradingAccount, error) {
	return f.accounts, nil
}

func (f *fakeTransferService) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error) {
	return f.txs, nil
}

func (f *fakeTransferService) Deposit(ctx context.Context, userID uuid.UUID, accountID, amount, reference string) (*storage.TransferResult, error) {
	if f.depositErr != nil {
		return nil, f.depositErr
	}
	f.lastDeposit.accountID = accountID
	f.lastDeposit.amount = amount
	return &storage.TransferResult{
		Transaction:    storage.Transaction{ID: uuid.New()},
		WalletBalance:  decimal.NewFromInt(600),
		AccountBalance: decimal.NewFromInt(400),
	}, nil
}

func (f *fakeTransferService) Withdraw(ctx context.Context, userID uuid.UUID, accountID, amount, reference string) (*storage.TransferResult, error) {
	return &storage.TransferResult{Transaction: storage.Transaction{ID: uuid.New()}}, nil
}

func (f *fakeTransferService) Transfer(ctx context.Context, userID uuid.UUID, fromID, toID, amount, reference string) (*storage.TransferResult, error) {
	return &storage.TransferResult{
		Transaction: storage.Transaction{ID: uuid.New()},
		FromBalance: decimal.NewFromInt(100),
		ToBalance:   decimal.NewFromInt(300),
	}, nil
}

func (f *fakeTransferService) ExternalDeposit(ctx context.Context, userID uuid.UUID, amount, reference string) (*storage.TransferResult, error) {
	if reference == "" {
		return nil, transfer.ErrValidation
	}
	return &storage.TransferResult{
		Transaction:   storage.Transaction{ID: uuid.New(), Reference: reference},
		WalletBalance: decimal.NewFromInt(1000),
	}, nil
}

func (f *fakeTransferService) RequestWithdrawal(ctx context.Context, userID uuid.UUID, amount string, payout transfer.PayoutMethod) (*storage.WithdrawalResult, error) {
	if err := payout.Validate(); err != nil {
		return nil, transfer.ErrValidation
	}
	return &storage.WithdrawalResult{
		Transaction:       storage.Transaction{ID: uuid.New(), Status: storage.TxStatusPending},
		WalletBalance:     decimal.NewFromInt(400),
		PendingWithdrawal: decimal.NewFromInt(300),
	}, nil
}

func (f *fakeTransferService) ReviewWithdrawal(ctx context.Context, txID string, approve bool) (*storage.WithdrawalResult, error) {
	if f.reviewResult != nil {
		return f.reviewResult, nil
	}
	return &storage.WithdrawalResult{
		Transaction: storage.Transaction{ID: uuid.MustParse(txID), Status: storage.TxStatusApproved},
	}, nil
}

func (f *fakeTransferService) BuyChallenge(ctx context.Context, userID uuid.UUID, challengeID string) (*storage.PurchaseResult, error) {
	id, err := uuid.Parse(challengeID)
	if err != nil {
		return nil, transfer.ErrValidation
	}
	return &storage.PurchaseResult{
		Account: storage.ChallengeAccount{
			ID:              uuid.New(),
			ChallengeID:     id,
			CurrentStep:     1,
			StartingBalance: decimal.NewFromInt(10000),
			Status:          storage.ChallengeStatusActive,
		},
		Transaction:   storage.Transaction{ID: uuid.New()},
		WalletBalance: decimal.NewFromInt(401),
	}, nil
}

type fakeChallengeReader struct {
	accounts map[uuid.UUID]storage.ChallengeAccount
	tpl      storage.Challenge
}

func (f *fakeChallengeReader) GetChallengeAccount(ctx context.Context, accountID uuid.UUID) (storage.ChallengeAccount, error) {
	acct, ok := f.accounts[accountID]
	if !ok {
		return storage.ChallengeAccount{}, storage.ErrEntityNotFound
	}
	return acct, nil
}

func (f *fakeChallengeReader) GetChallenge(ctx context.Context, challengeID uuid.UUID) (storage.Challenge, error) {
	return f.tpl, nil
}

type fakePromoter struct {
	transition *challenge.Transition
	err        error
}

func (f *fakePromoter) Promote(ctx context.Context, accountID uuid.UUID) (*challenge.Transition, error) {
	return f.transition, f.err
}

type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	return f.allowed, f.retryAfter, nil
}

func newTestRouter(t *testing.T, svc *fakeTransferService, reader *fakeChallengeReader, promoter *fakePromoter, limiter rate.Limiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := New(svc, reader, promoter, limiter, testSecret, nil)
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func userToken(t *testing.T, userID uuid.UUID, roles ...string) string {
	t.Helper()
	token, err := testutil.GenerateJWT(userID, roles, testSecret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func TestGetWallet(t *testing.T) {
	svc := &fakeTransferService{wallet: storage.Wallet{
		UserID:            testutil.DemoUserID,
		Balance:           decimal.NewFromInt(1000),
		PendingWithdrawal: decimal.NewFromInt(50),
	}}
	r := newTestRouter(t, svc, &fakeChallengeReader{}, &fakePromoter{}, nil)

	resp := testutil.MakeAuthRequest(r, "GET", "/v1/wallet", nil, userToken(t, testutil.DemoUserID))
	testutil.AssertHTTPStatus(t, resp, 200)
	body := resp.Body.String()
	if !strings.Contains(body, `"balance":"1000"`) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestRequestsRequireToken(t *testing.T) {
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, &fakePromoter{}, nil)

	resp := testutil.MakeAPIRequest(r, "GET", "/v1/wallet", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestTransferDeposit(t *testing.T) {
	svc := &fakeTransferService{}
	r := newTestRouter(t, svc, &fakeChallengeReader{}, &fakePromoter{}, nil)
	accountID := uuid.New().String()

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/transfers", map[string]string{
		"account_id": accountID,
		"amount":     "400",
		"direction":  "deposit",
	}, userToken(t, testutil.DemoUserID))

	testutil.AssertHTTPStatus(t, resp, 200)
	if svc.lastDeposit.accountID != accountID || svc.lastDeposit.amount != "400" {
		t.Fatalf("deposit got %+v", svc.lastDeposit)
	}
}

func TestTransferRejectsUnknownDirection(t *testing.T) {
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, &fakePromoter{}, nil)

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/transfers", map[string]string{
		"account_id": uuid.New().String(),
		"amount":     "400",
		"direction":  "sideways",
	}, userToken(t, testutil.DemoUserID))

	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestTransferInsufficientFunds(t *testing.T) {
	svc := &fakeTransferService{depositErr: storage.ErrInsufficientFunds}
	r := newTestRouter(t, svc, &fakeChallengeReader{}, &fakePromoter{}, nil)

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/transfers", map[string]string{
		"account_id": uuid.New().String(),
		"amount":     "4000",
		"direction":  "deposit",
	}, userToken(t, testutil.DemoUserID))

	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientFunds)
}

func TestWithdrawalRateLimited(t *testing.T) {
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, &fakePromoter{}, &fakeLimiter{allowed: false, retryAfter: 30 * time.Second})

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/wallet/withdrawals", map[string]any{
		"amount": "300",
		"payout": map[string]string{"method": "upi", "vpa": "trader@bank"},
	}, userToken(t, testutil.DemoUserID))

	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestWithdrawalAccepted(t *testing.T) {
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, &fakePromoter{}, &fakeLimiter{allowed: true})

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/wallet/withdrawals", map[string]any{
		"amount": "300",
		"payout": map[string]string{"method": "upi", "vpa": "trader@bank"},
	}, userToken(t, testutil.DemoUserID))

	testutil.AssertHTTPStatus(t, resp, 202)
}

func TestWithdrawalRejectsInvalidPayout(t *testing.T) {
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, &fakePromoter{}, &fakeLimiter{allowed: true})

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/wallet/withdrawals", map[string]any{
		"amount": "300",
		"payout": map[string]string{"method": "upi"},
	}, userToken(t, testutil.DemoUserID))

	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, &fakePromoter{}, nil)
	txID := uuid.New().String()

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/admin/withdrawals/"+txID+"/approve", nil, userToken(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	resp = testutil.MakeAuthRequest(r, "POST", "/v1/admin/withdrawals/"+txID+"/approve", nil, userToken(t, testutil.AdminUserID, auth.RoleAdmin))
	testutil.AssertHTTPStatus(t, resp, 200)
}

func TestApproveWithdrawalReplayFlag(t *testing.T) {
	txID := uuid.New()
	svc := &fakeTransferService{reviewResult: &storage.WithdrawalResult{
		Transaction:      storage.Transaction{ID: txID, Status: storage.TxStatusApproved},
		AlreadyFinalized: true,
	}}
	r := newTestRouter(t, svc, &fakeChallengeReader{}, &fakePromoter{}, nil)

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/admin/withdrawals/"+txID.String()+"/approve", nil, userToken(t, testutil.AdminUserID, auth.RoleAdmin))
	testutil.AssertHTTPStatus(t, resp, 200)
	if !strings.Contains(resp.Body.String(), `"replay":true`) {
		t.Fatalf("expected replay flag, got %s", resp.Body.String())
	}
}

func TestGetChallengeStatus(t *testing.T) {
	acctID := uuid.New()
	reader := &fakeChallengeReader{
		accounts: map[uuid.UUID]storage.ChallengeAccount{
			acctID: {
				ID:               acctID,
				UserID:           testutil.DemoUserID,
				ChallengeID:      uuid.New(),
				CurrentStep:      1,
				StartingBalance:  decimal.NewFromInt(10000),
				CurrentBalance:   decimal.NewFromInt(9500),
				CurrentEquity:    decimal.NewFromInt(9500),
				HighWaterMark:    decimal.NewFromInt(10000),
				DailyStartEquity: decimal.NewFromInt(10000),
				Status:           storage.ChallengeStatusActive,
			},
		},
		tpl: storage.Challenge{Steps: 2},
	}
	r := newTestRouter(t, &fakeTransferService{}, reader, &fakePromoter{}, nil)

	resp := testutil.MakeAuthRequest(r, "GET", "/v1/accounts/"+acctID.String()+"/status", nil, userToken(t, testutil.DemoUserID))
	testutil.AssertHTTPStatus(t, resp, 200)
	body := resp.Body.String()
	if !strings.Contains(body, `"daily_drawdown_percent":"5.00"`) {
		t.Fatalf("unexpected drawdown in body: %s", body)
	}
	if !strings.Contains(body, `"overall_drawdown_percent":"5.00"`) {
		t.Fatalf("unexpected overall drawdown in body: %s", body)
	}
}

func TestGetChallengeStatusHidesForeignAccounts(t *testing.T) {
	acctID := uuid.New()
	reader := &fakeChallengeReader{
		accounts: map[uuid.UUID]storage.ChallengeAccount{
			acctID: {ID: acctID, UserID: uuid.New(), Status: storage.ChallengeStatusActive},
		},
	}
	r := newTestRouter(t, &fakeTransferService{}, reader, &fakePromoter{}, nil)

	resp := testutil.MakeAuthRequest(r, "GET", "/v1/accounts/"+acctID.String()+"/status", nil, userToken(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)
}

func TestPromoteChallenge(t *testing.T) {
	promoter := &fakePromoter{transition: &challenge.Transition{
		From: storage.ChallengeStatusPassed,
		To:   storage.ChallengeStatusFunded,
	}}
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, promoter, nil)

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/admin/challenges/"+uuid.New().String()+"/promote", nil, userToken(t, testutil.AdminUserID, auth.RoleAdmin))
	testutil.AssertHTTPStatus(t, resp, 200)
	if !strings.Contains(resp.Body.String(), storage.ChallengeStatusFunded) {
		t.Fatalf("expected funded status, got %s", resp.Body.String())
	}
}

func TestPromoteChallengeNotPassed(t *testing.T) {
	promoter := &fakePromoter{err: storage.ErrInvalidState}
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, promoter, nil)

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/admin/challenges/"+uuid.New().String()+"/promote", nil, userToken(t, testutil.AdminUserID, auth.RoleAdmin))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidState)
}

func TestExternalDepositRequiresReference(t *testing.T) {
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, &fakePromoter{}, nil)
	token := userToken(t, testutil.AdminUserID, auth.RoleAdmin)

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/admin/deposits", map[string]string{
		"user_id": testutil.DemoUserID.String(),
		"amount":  "500",
	}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	resp = testutil.MakeAuthRequest(r, "POST", "/v1/admin/deposits", map[string]string{
		"user_id":   testutil.DemoUserID.String(),
		"amount":    "500",
		"reference": "psp-9001",
	}, token)
	testutil.AssertHTTPStatus(t, resp, 200)
}

func TestBuyChallenge(t *testing.T) {
	r := newTestRouter(t, &fakeTransferService{}, &fakeChallengeReader{}, &fakePromoter{}, nil)

	resp := testutil.MakeAuthRequest(r, "POST", "/v1/challenges/buy", map[string]string{
		"challenge_id": uuid.New().String(),
	}, userToken(t, testutil.DemoUserID))
	testutil.AssertHTTPStatus(t, resp, 201)
}
