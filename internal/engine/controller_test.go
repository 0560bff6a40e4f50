package engine

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"swapflow/internal/allowance"
	"swapflow/internal/chain"
	"swapflow/internal/config"
	"swapflow/internal/order"
	"swapflow/internal/orderbook"
	"swapflow/internal/quote"
	"swapflow/internal/swaperr"
	"swapflow/internal/token"
	"swapflow/internal/wallet"
)

var (
	tokenA = token.Ref{ChainID: chain.Sepolia, Address: common.HexToAddress("0x1111111111111111111111111111111111111111"), Decimals: 18, Symbol: "AAA"}
	tokenB = token.Ref{ChainID: chain.Sepolia, Address: common.HexToAddress("0x2222222222222222222222222222222222222222"), Decimals: 6, Symbol: "BBB"}
	tokenC = token.Ref{ChainID: chain.Sepolia, Address: common.HexToAddress("0x3333333333333333333333333333333333333333"), Decimals: 18, Symbol: "CCC"}
)

type stubProvider struct {
	mu      sync.Mutex
	calls   int
	gate    map[int]chan struct{}
	validTo time.Duration
	// buySell 是买单报价的卖出数量。
	buySell string
}

func (p *stubProvider) Quote(ctx context.Context, req orderbook.QuoteRequest) (orderbook.QuoteResponse, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	gate := p.gate[call]
	buySell := p.buySell
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	params := orderbook.QuoteParameters{
		SellToken:        req.SellToken,
		BuyToken:         req.BuyToken,
		SellAmount:       req.SellAmountBeforeFee,
		BuyAmount:        "1000",
		FeeAmount:        "0",
		ValidTo:          uint32(time.Now().Add(p.validTo).Unix()),
		AppData:          config.DefaultAppData,
		Kind:             orderbook.KindSell,
		SellTokenBalance: orderbook.BalanceERC20,
		BuyTokenBalance:  orderbook.BalanceERC20,
	}
	if req.Kind == orderbook.KindBuy {
		params.Kind = orderbook.KindBuy
		params.SellAmount = buySell
		params.FeeAmount = "50"
		params.BuyAmount = req.BuyAmountAfterFee
	}
	return orderbook.QuoteResponse{ID: int64(call), Quote: params, From: req.From}, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubAllowance struct {
	mu       sync.Mutex
	approved map[common.Address]*big.Int
	approves int
	checkErr error
}

func (a *stubAllowance) Check(ctx context.Context, tok token.Ref, owner common.Address, required *big.Int) (allowance.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.checkErr != nil {
		return allowance.State{}, a.checkErr
	}
	current := big.NewInt(0)
	if v, ok := a.approved[tok.Address]; ok {
		current = v
	}
	return allowance.State{
		Owner:      owner,
		Token:      tok.Address,
		Current:    current,
		Required:   required,
		Sufficient: current.Cmp(required) >= 0,
	}, nil
}

func (a *stubAllowance) Approve(ctx context.Context, tok token.Ref, amount *big.Int, infinite bool) (allowance.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approves++
	value := amount
	if infinite {
		value = token.MaxUint256()
	}
	a.approved[tok.Address] = value
	return allowance.Receipt{TxHash: common.HexToHash("0xaa"), BlockNumber: 12, Amount: value}, nil
}

type switchConfirmer struct {
	mu      sync.Mutex
	answers []bool
	calls   int
}

func (s *switchConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.answers) == 0 {
		return true, nil
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return answer, nil
}

type countingWallet struct {
	wallet.Wallet
	mu    sync.Mutex
	signs int
}

func (w *countingWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	w.mu.Lock()
	w.signs++
	w.mu.Unlock()
	return w.Wallet.SignTypedData(ctx, data)
}

func (w *countingWallet) signCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signs
}

type stubSubmitter struct {
	mu        sync.Mutex
	creations []orderbook.OrderCreation
	errs      []error
}

func (s *stubSubmitter) SubmitOrder(ctx context.Context, creation orderbook.OrderCreation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creations = append(s.creations, creation)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "0xorder", nil
}

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) OnTransition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.transitions))
	for _, t := range r.transitions {
		out = append(out, t.To)
	}
	return out
}

type harness struct {
	ctrl      *Controller
	provider  *stubProvider
	allowance *stubAllowance
	wallet    *countingWallet
	confirmer *switchConfirmer
	submitter *stubSubmitter
	recorder  *recorder
}

func newHarness(t *testing.T, connected bool) *harness {
	t.Helper()
	return newHarnessWithRefresh(t, connected, time.Hour)
}

func newHarnessWithRefresh(t *testing.T, connected bool, refresh time.Duration) *harness {
	t.Helper()

	reg, err := chain.NewRegistry(config.ChainConfig{})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	c, _ := reg.Lookup(chain.Sepolia)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}
	confirmer := &switchConfirmer{}
	w := &countingWallet{Wallet: wallet.NewKeyWalletFromKey(key, confirmer, nil)}

	h := &harness{
		provider:  &stubProvider{gate: make(map[int]chan struct{}), validTo: time.Hour, buySell: "700"},
		allowance: &stubAllowance{approved: make(map[common.Address]*big.Int)},
		wallet:    w,
		confirmer: confirmer,
		submitter: &stubSubmitter{},
		recorder:  &recorder{},
	}

	session := Session{
		Chain:     c,
		Quotes:    h.provider,
		Allowance: h.allowance,
		Signer:    order.NewSigner(w, c, nil),
		Submitter: h.submitter,
	}
	if connected {
		session.Wallet = w
	}

	cfg := config.QuoteConfig{Debounce: 10 * time.Millisecond, RefreshInterval: refresh}
	h.ctrl = NewController(session, cfg, nil, h.recorder)
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want ...State) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.ctrl.WaitFor(ctx, func(s Snapshot) bool {
		for _, w := range want {
			if s.State == w {
				return true
			}
		}
		return false
	})
	if err != nil {
		t.Fatalf("timed out waiting for %v, last state %s (err=%v)", want, snap.State, snap.Error)
	}
	return snap
}

func TestController_HappyPath(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	snap, err := h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1.5"})
	if err != nil {
		t.Fatalf("SetInput returned error: %v", err)
	}
	if snap.State != StateAwaitingQuote || snap.Amount.String() != "1500000000000000000" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	snap = h.waitState(t, StateAwaitingApproval)
	if snap.Allowance == nil || snap.Allowance.Sufficient {
		t.Fatalf("expected insufficient allowance, got %+v", snap.Allowance)
	}

	snap, err = h.ctrl.Approve(ctx, true)
	if err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}
	if snap.State != StateApproved || !snap.Allowance.Sufficient {
		t.Fatalf("expected approved, got %+v", snap)
	}

	snap, err = h.ctrl.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if snap.State != StateSubmitted || snap.OrderID != "0xorder" {
		t.Fatalf("expected submitted, got %+v", snap)
	}

	creation := h.submitter.creations[0]
	if creation.FeeAmount != "0" || creation.QuoteID == nil || *creation.QuoteID != snap.Quote.ID {
		t.Fatalf("unexpected creation %+v", creation)
	}
	if creation.SellAmount != "1500000000000000000" || creation.From != h.wallet.Address().Hex() {
		t.Fatalf("unexpected creation amounts %+v", creation)
	}

	want := []State{StateAwaitingQuote, StateQuoteReady, StateAwaitingApproval, StateApproved, StateAwaitingSignature, StateSubmitting, StateSubmitted}
	got := h.recorder.states()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
	h.recorder.mu.Lock()
	last := h.recorder.transitions[len(h.recorder.transitions)-1]
	h.recorder.mu.Unlock()
	if last.Order == nil || last.Order.QuoteID != snap.Quote.ID {
		t.Fatalf("submitted transition must carry the signed order")
	}
}

func TestController_SufficientAllowanceSkipsApproval(t *testing.T) {
	h := newHarness(t, true)
	h.allowance.approved[tokenA.Address] = token.MaxUint256()

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "2"})
	snap := h.waitState(t, StateApproved)
	if snap.Allowance == nil || !snap.Allowance.Sufficient {
		t.Fatalf("expected sufficient allowance, got %+v", snap.Allowance)
	}
	if h.allowance.approves != 0 {
		t.Fatalf("no approval transaction expected")
	}
}

func TestController_ExpiredQuoteFailsWithoutWallet(t *testing.T) {
	h := newHarness(t, true)
	h.allowance.approved[tokenA.Address] = token.MaxUint256()

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	h.waitState(t, StateApproved)

	h.ctrl.mu.Lock()
	h.ctrl.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.ctrl.mu.Unlock()

	snap, err := h.ctrl.Submit(context.Background())
	if !swaperr.IsKind(err, swaperr.KindQuoteExpired) {
		t.Fatalf("expected quote_expired, got %v", err)
	}
	if snap.State != StateFailed || snap.Error.Kind != swaperr.KindQuoteExpired || snap.CanRetry {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.wallet.signCount() != 0 || h.confirmer.calls != 0 {
		t.Fatalf("wallet must not be contacted for expired quote")
	}
	if len(h.submitter.creations) != 0 {
		t.Fatalf("nothing should be submitted")
	}
}

func TestController_SigningRejectionAllowsRetry(t *testing.T) {
	h := newHarness(t, true)
	h.allowance.approved[tokenA.Address] = token.MaxUint256()
	h.confirmer.answers = []bool{false, true}

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	h.waitState(t, StateApproved)

	snap, err := h.ctrl.Submit(context.Background())
	if !swaperr.IsKind(err, swaperr.KindSigningRejectedByUser) {
		t.Fatalf("expected signing rejection, got %v", err)
	}
	if snap.State != StateFailed || !snap.CanRetry || !snap.Error.UserRejection {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	snap, err = h.ctrl.Submit(context.Background())
	if err != nil {
		t.Fatalf("retry Submit returned error: %v", err)
	}
	if snap.State != StateSubmitted {
		t.Fatalf("expected submitted after retry, got %s", snap.State)
	}
	if h.provider.callCount() != 1 {
		t.Fatalf("retry must not fetch a new quote, got %d calls", h.provider.callCount())
	}
}

func TestController_SubmissionRejectedAllowsRetry(t *testing.T) {
	h := newHarness(t, true)
	h.allowance.approved[tokenA.Address] = token.MaxUint256()
	h.submitter.errs = []error{swaperr.New(swaperr.KindSubmissionRejected, "test", "InvalidSignature")}

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	h.waitState(t, StateApproved)

	if _, err := h.ctrl.Submit(context.Background()); !swaperr.IsKind(err, swaperr.KindSubmissionRejected) {
		t.Fatalf("expected submission rejection, got %v", err)
	}
	snap, err := h.ctrl.Submit(context.Background())
	if err != nil || snap.State != StateSubmitted {
		t.Fatalf("expected submitted after retry, got %s err=%v", snap.State, err)
	}
}

func TestController_SellTokenSwitchResetsAllowance(t *testing.T) {
	h := newHarness(t, true)

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	h.waitState(t, StateAwaitingApproval)
	if _, err := h.ctrl.Approve(context.Background(), true); err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}

	snap, err := h.ctrl.SetInput(Input{SellToken: tokenC, BuyToken: tokenB, Amount: "1"})
	if err != nil {
		t.Fatalf("SetInput returned error: %v", err)
	}
	if snap.State != StateAwaitingQuote || snap.Allowance != nil || snap.Quote != nil {
		t.Fatalf("switching sell token must reset state, got %+v", snap)
	}

	snap = h.waitState(t, StateAwaitingApproval, StateApproved)
	if snap.State != StateAwaitingApproval || snap.Allowance.Sufficient {
		t.Fatalf("approval for previous token leaked: %+v", snap)
	}

	if _, err := h.ctrl.Submit(context.Background()); err == nil {
		t.Fatalf("submit must be refused without allowance for the new token")
	}
}

func TestController_StaleQuoteIsDropped(t *testing.T) {
	h := newHarness(t, false)
	release := make(chan struct{})
	h.provider.gate[1] = release

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	deadline := time.Now().Add(time.Second)
	for h.provider.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "3"})
	h.waitState(t, StateQuoteReady)
	close(release)
	time.Sleep(30 * time.Millisecond)

	snap := h.ctrl.Snapshot()
	if snap.Quote == nil || snap.Quote.SellAmount.String() != "3000000000000000000" {
		t.Fatalf("stale quote applied: %+v", snap.Quote)
	}
}

func TestController_PreviewWithoutWallet(t *testing.T) {
	h := newHarness(t, false)

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	snap := h.waitState(t, StateQuoteReady)
	if snap.Quote == nil {
		t.Fatalf("expected preview quote")
	}

	time.Sleep(20 * time.Millisecond)
	if h.ctrl.Snapshot().State != StateQuoteReady {
		t.Fatalf("preview session must stay in quote_ready")
	}
	if _, err := h.ctrl.Submit(context.Background()); err == nil {
		t.Fatalf("submit without wallet must fail")
	}
}

func TestController_IncompleteAndInvalidInput(t *testing.T) {
	h := newHarness(t, true)

	snap, err := h.ctrl.SetInput(Input{SellToken: tokenA, Amount: "1"})
	if err != nil || snap.State != StateIdle {
		t.Fatalf("incomplete input should be idle, got %s err=%v", snap.State, err)
	}

	snap, err = h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "0"})
	if !swaperr.IsKind(err, swaperr.KindInputInvalid) || snap.State != StateIdle {
		t.Fatalf("zero amount should be rejected, got %s err=%v", snap.State, err)
	}

	snap, err = h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenA, Amount: "1"})
	if !swaperr.IsKind(err, swaperr.KindInputInvalid) {
		t.Fatalf("same token should be rejected, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if h.provider.callCount() != 0 {
		t.Fatalf("invalid input must not reach the network")
	}
}

func TestController_AllowanceCheckFailure(t *testing.T) {
	h := newHarness(t, true)
	h.allowance.checkErr = swaperr.WrapRetryable(swaperr.KindAllowanceCheckFailed, "test", errors.New("rpc down"))

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	snap := h.waitState(t, StateFailed)
	if snap.Error.Kind != swaperr.KindAllowanceCheckFailed {
		t.Fatalf("expected allowance_check_failed, got %+v", snap.Error)
	}

	h.allowance.mu.Lock()
	h.allowance.checkErr = nil
	h.allowance.mu.Unlock()

	if _, err := h.ctrl.Recheck(); err != nil {
		t.Fatalf("Recheck returned error: %v", err)
	}
	h.waitState(t, StateAwaitingApproval)
}

func TestController_ExpiredQuoteRecoversOnRefresh(t *testing.T) {
	h := newHarnessWithRefresh(t, true, 40*time.Millisecond)
	h.allowance.approved[tokenA.Address] = token.MaxUint256()

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	h.waitState(t, StateApproved)

	h.ctrl.mu.Lock()
	h.ctrl.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.ctrl.mu.Unlock()

	failed, err := h.ctrl.Submit(context.Background())
	if !swaperr.IsKind(err, swaperr.KindQuoteExpired) || failed.State != StateFailed {
		t.Fatalf("expected quote_expired failure, got %s err=%v", failed.State, err)
	}
	calls := h.provider.callCount()

	h.ctrl.mu.Lock()
	h.ctrl.now = time.Now
	h.ctrl.mu.Unlock()

	snap := h.waitState(t, StateApproved)
	if snap.Quote == nil || snap.Quote.ID <= failed.Quote.ID {
		t.Fatalf("expected a refreshed quote after expiry, got %+v", snap.Quote)
	}
	if h.provider.callCount() <= calls {
		t.Fatalf("recovery must fetch a new quote")
	}

	snap, err = h.ctrl.Submit(context.Background())
	if err != nil || snap.State != StateSubmitted {
		t.Fatalf("expected submitted after recovery, got %s err=%v", snap.State, err)
	}
}

func TestController_SubmittedStopsRefresh(t *testing.T) {
	h := newHarnessWithRefresh(t, true, 30*time.Millisecond)
	h.allowance.approved[tokenA.Address] = token.MaxUint256()

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	h.waitState(t, StateApproved)

	submitted, err := h.ctrl.Submit(context.Background())
	if err != nil || submitted.State != StateSubmitted {
		t.Fatalf("expected submitted, got %s err=%v", submitted.State, err)
	}

	time.Sleep(15 * time.Millisecond)
	calls := h.provider.callCount()
	time.Sleep(150 * time.Millisecond)
	if got := h.provider.callCount(); got != calls {
		t.Fatalf("refresh continued after submit: %d -> %d calls", calls, got)
	}

	// 迟到的刷新结果不能改写已提交的会话。
	late := *submitted.Quote
	late.ID = submitted.Quote.ID + 100
	h.ctrl.onQuote(quote.Update{Generation: submitted.Generation, Quote: &late, Refresh: true})

	snap := h.ctrl.Snapshot()
	if snap.State != StateSubmitted || snap.OrderID != "0xorder" || snap.Quote.ID != submitted.Quote.ID {
		t.Fatalf("submitted session changed by refresh: %+v", snap)
	}
}

func TestController_SetInputAfterSubmitStartsOver(t *testing.T) {
	h := newHarness(t, true)
	h.allowance.approved[tokenA.Address] = token.MaxUint256()

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1"})
	h.waitState(t, StateApproved)
	first, err := h.ctrl.Submit(context.Background())
	if err != nil || first.State != StateSubmitted {
		t.Fatalf("expected submitted, got %s err=%v", first.State, err)
	}

	snap, err := h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "2"})
	if err != nil {
		t.Fatalf("SetInput returned error: %v", err)
	}
	if snap.State != StateAwaitingQuote || snap.Quote != nil || snap.Allowance != nil || snap.OrderID != "" {
		t.Fatalf("new input must clear the submitted session, got %+v", snap)
	}
	if snap.Generation <= first.Generation {
		t.Fatalf("expected a new generation, got %d after %d", snap.Generation, first.Generation)
	}

	snap = h.waitState(t, StateAwaitingApproval, StateApproved)
	if snap.Quote == nil || snap.Quote.SellAmount.String() != "2000000000000000000" {
		t.Fatalf("unexpected quote after re-entry %+v", snap.Quote)
	}
	if h.provider.callCount() != 2 {
		t.Fatalf("expected a fresh quote request, got %d calls", h.provider.callCount())
	}

	snap, err = h.ctrl.Submit(context.Background())
	if err != nil || snap.State != StateSubmitted || len(h.submitter.creations) != 2 {
		t.Fatalf("second submit: state=%s err=%v creations=%d", snap.State, err, len(h.submitter.creations))
	}
}

func TestController_ObserversSeeTransitionsInOrder(t *testing.T) {
	h := newHarness(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: strconv.Itoa(i*25 + j + 1)})
			}
		}(i)
	}
	wg.Wait()
	h.waitState(t, StateQuoteReady)
	time.Sleep(20 * time.Millisecond)

	h.recorder.mu.Lock()
	transitions := append([]Transition(nil), h.recorder.transitions...)
	h.recorder.mu.Unlock()

	if len(transitions) < 200 {
		t.Fatalf("expected every transition delivered, got %d", len(transitions))
	}
	prev := StateIdle
	var gen uint64
	for i, tr := range transitions {
		if tr.From != prev {
			t.Fatalf("transition %d from %s, previous delivered state %s", i, tr.From, prev)
		}
		if tr.Generation < gen {
			t.Fatalf("transition %d generation %d after %d", i, tr.Generation, gen)
		}
		if tr.Snapshot.State != tr.To {
			t.Fatalf("transition %d snapshot state %s, want %s", i, tr.Snapshot.State, tr.To)
		}
		prev, gen = tr.To, tr.Generation
	}
}

func TestController_BuyOrderApprovesSellPlusFee(t *testing.T) {
	h := newHarness(t, true)

	snap, err := h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "2.5", Kind: orderbook.KindBuy})
	if err != nil {
		t.Fatalf("SetInput returned error: %v", err)
	}
	if snap.Amount.String() != "2500000" {
		t.Fatalf("buy amount must use buy-token decimals, got %s", snap.Amount)
	}

	snap = h.waitState(t, StateAwaitingApproval)
	if snap.Allowance == nil || snap.Allowance.Required.String() != "750" {
		t.Fatalf("expected required allowance 700+50, got %+v", snap.Allowance)
	}

	snap, err = h.ctrl.Approve(context.Background(), false)
	if err != nil || snap.State != StateApproved {
		t.Fatalf("Approve: state=%s err=%v", snap.State, err)
	}
	if h.allowance.approved[tokenA.Address].String() != "750" {
		t.Fatalf("exact approval must cover sell plus fee, got %s", h.allowance.approved[tokenA.Address])
	}

	snap, err = h.ctrl.Submit(context.Background())
	if err != nil || snap.State != StateSubmitted {
		t.Fatalf("Submit: state=%s err=%v", snap.State, err)
	}
	creation := h.submitter.creations[0]
	if creation.Kind != orderbook.KindBuy || creation.BuyAmount != "2500000" || creation.SellAmount != "700" {
		t.Fatalf("unexpected buy order %+v", creation)
	}
}

func TestController_BuyRefreshAboveAllowanceNeedsApproval(t *testing.T) {
	h := newHarnessWithRefresh(t, true, 30*time.Millisecond)
	h.allowance.approved[tokenA.Address] = big.NewInt(750)

	h.ctrl.SetInput(Input{SellToken: tokenA, BuyToken: tokenB, Amount: "1", Kind: orderbook.KindBuy})
	h.waitState(t, StateApproved)

	h.provider.mu.Lock()
	h.provider.buySell = "900"
	h.provider.mu.Unlock()

	snap := h.waitState(t, StateAwaitingApproval)
	if snap.Allowance.Sufficient || snap.Allowance.Required.String() != "950" {
		t.Fatalf("refreshed buy quote must re-evaluate allowance, got %+v", snap.Allowance)
	}
	if _, err := h.ctrl.Submit(context.Background()); err == nil {
		t.Fatalf("submit must be refused while allowance is short")
	}
}
