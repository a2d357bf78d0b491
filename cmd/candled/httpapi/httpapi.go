// Package httpapi exposes the auction operations over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/auth"
	"github.com/textileio/candle-auction/candle"
	"github.com/textileio/candle-auction/cmd/candled/store"
)

var log = golog.Logger("candled/api")

// Service provides the auction operations the API serves.
type Service interface {
	CreateAuction(ctx context.Context, cfg auction.Config) (*store.Record, error)
	GetAuction(id auction.ID) (*store.Record, error)
	ListAuctions(query store.Query) ([]store.Record, error)
	CurrentTick() (uint64, error)
	PlaceBid(ctx context.Context, id auction.ID, bidder auction.BidderID, amount uint64) (uint64, uint64, error)
	Finalize(ctx context.Context, id auction.ID) (candle.WinnerRecord, error)
	Payout(ctx context.Context, id auction.ID, caller auction.BidderID) (candle.Payout, error)
}

// NewServer returns a new http server exposing the auction API.
func NewServer(listenAddr string, service Service, authorizer auth.Authorizer) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              listenAddr,
		ReadHeaderTimeout: time.Second * 5,
		WriteTimeout:      time.Second * 10,
		Handler:           createMux(service, authorizer),
	}

	log.Infof("http api serving at %s", listenAddr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	return httpServer, nil
}

func createMux(service Service, authorizer auth.Authorizer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	auctions := auctionsHandler(service, authorizer)
	mux.HandleFunc("/auctions", auctions)
	mux.HandleFunc("/auctions/", auctions)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// auctionsHandler routes /auctions, /auctions/{id} and
// /auctions/{id}/{action} where action is bids, finalize or payouts.
func auctionsHandler(service Service, authorizer auth.Authorizer) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		urlParts := strings.SplitN(r.URL.Path, "/", 4)
		switch {
		case len(urlParts) < 3 || urlParts[2] == "":
			switch r.Method {
			case http.MethodGet:
				listAuctions(w, r, service)
			case http.MethodPost:
				createAuction(w, r, service)
			default:
				httpError(w, "only GET and POST methods are allowed", http.StatusBadRequest)
			}
		case len(urlParts) == 3:
			if r.Method != http.MethodGet {
				httpError(w, "only GET method is allowed", http.StatusBadRequest)
				return
			}
			getAuction(w, service, auction.ID(urlParts[2]))
		default:
			if r.Method != http.MethodPost {
				httpError(w, "only POST method is allowed", http.StatusBadRequest)
				return
			}
			id := auction.ID(urlParts[2])
			switch urlParts[3] {
			case "bids":
				placeBid(w, r, service, authorizer, id)
			case "finalize":
				finalizeAuction(w, r, service, id)
			case "payouts":
				payout(w, r, service, authorizer, id)
			default:
				httpError(w, fmt.Sprintf("unknown action %q", urlParts[3]), http.StatusNotFound)
			}
		}
	}
}

func listAuctions(w http.ResponseWriter, r *http.Request, service Service) {
	params := r.URL.Query()
	query := store.Query{Offset: params.Get("offset")}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			httpError(w, fmt.Sprintf("parsing limit: %s", err), http.StatusBadRequest)
			return
		}
		query.Limit = limit
	}
	switch params.Get("order") {
	case "", "desc":
		query.Order = store.OrderDescending
	case "asc":
		query.Order = store.OrderAscending
	default:
		httpError(w, fmt.Sprintf("unknown order %q", params.Get("order")), http.StatusBadRequest)
		return
	}

	now, err := service.CurrentTick()
	if err != nil {
		httpError(w, fmt.Sprintf("getting tick height: %s", err), http.StatusInternalServerError)
		return
	}
	records, err := service.ListAuctions(query)
	if err != nil {
		httpError(w, fmt.Sprintf("listing auctions: %s", err), http.StatusInternalServerError)
		return
	}
	list := make([]Auction, len(records))
	for i := range records {
		list[i] = toAuction(&records[i], now)
	}
	writeJSON(w, list)
}

func createAuction(w http.ResponseWriter, r *http.Request, service Service) {
	var cfg auction.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httpError(w, fmt.Sprintf("decoding auction configuration: %s", err), http.StatusBadRequest)
		return
	}
	rec, err := service.CreateAuction(r.Context(), cfg)
	if err != nil {
		httpError(w, fmt.Sprintf("creating auction: %s", err), statusFor(err))
		return
	}
	writeJSON(w, toAuction(rec, 0))
}

func getAuction(w http.ResponseWriter, service Service, id auction.ID) {
	rec, err := service.GetAuction(id)
	if err != nil {
		httpError(w, fmt.Sprintf("getting auction: %s", err), statusFor(err))
		return
	}
	now, err := service.CurrentTick()
	if err != nil {
		httpError(w, fmt.Sprintf("getting tick height: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, toAuction(rec, now))
}

// BidRequest is the body of a bid call.
type BidRequest struct {
	Amount uint64 `json:"amount"`
}

// BidResult reports the cumulative balance after a bid and the tick the
// bid landed on.
type BidResult struct {
	Balance uint64 `json:"balance"`
	Tick    uint64 `json:"tick"`
}

func placeBid(w http.ResponseWriter, r *http.Request, service Service, authorizer auth.Authorizer, id auction.ID) {
	entity, ok := authenticate(w, r, authorizer)
	if !ok {
		return
	}
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, fmt.Sprintf("decoding bid: %s", err), http.StatusBadRequest)
		return
	}
	balance, tick, err := service.PlaceBid(r.Context(), id, entity.Identity, req.Amount)
	if err != nil {
		httpError(w, fmt.Sprintf("placing bid: %s", err), statusFor(err))
		return
	}
	writeJSON(w, BidResult{Balance: balance, Tick: tick})
}

func finalizeAuction(w http.ResponseWriter, r *http.Request, service Service, id auction.ID) {
	rec, err := service.Finalize(r.Context(), id)
	if err != nil {
		httpError(w, fmt.Sprintf("finalizing auction: %s", err), statusFor(err))
		return
	}
	writeJSON(w, toWinner(rec))
}

// PayoutResult reports the transfers a settlement produced.
type PayoutResult struct {
	Kind          string `json:"kind"`
	RewardGranted bool   `json:"reward_granted,omitempty"`
	Refund        uint64 `json:"refund,omitempty"`
	Proceeds      uint64 `json:"proceeds,omitempty"`
}

func payout(w http.ResponseWriter, r *http.Request, service Service, authorizer auth.Authorizer, id auction.ID) {
	entity, ok := authenticate(w, r, authorizer)
	if !ok {
		return
	}
	p, err := service.Payout(r.Context(), id, entity.Identity)
	if err != nil {
		httpError(w, fmt.Sprintf("settling payout: %s", err), statusFor(err))
		return
	}
	writeJSON(w, PayoutResult{
		Kind:          p.Kind.String(),
		RewardGranted: p.RewardGranted,
		Refund:        p.Refund,
		Proceeds:      p.Proceeds,
	})
}

func authenticate(w http.ResponseWriter, r *http.Request, authorizer auth.Authorizer) (auth.AuthorizedEntity, bool) {
	authHeader := r.Header.Values("Authorization")
	if len(authHeader) != 1 {
		httpError(w, "a single authorization header is required", http.StatusBadRequest)
		return auth.AuthorizedEntity{}, false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader[0], "Bearer"))
	if token == "" {
		httpError(w, "bearer token is empty", http.StatusBadRequest)
		return auth.AuthorizedEntity{}, false
	}
	entity, ok, why, err := authorizer.IsAuthorized(r.Context(), token)
	if err != nil {
		httpError(w, fmt.Sprintf("authorizing request: %s", err), http.StatusInternalServerError)
		return auth.AuthorizedEntity{}, false
	}
	if !ok {
		httpError(w, why, http.StatusUnauthorized)
		return auth.AuthorizedEntity{}, false
	}
	return entity, true
}

// Auction is the wire form of an auction record. Phase and CurrentTick
// are derived from the tick height the request observed.
type Auction struct {
	ID           auction.ID                  `json:"id"`
	Config       auction.Config              `json:"config"`
	Phase        string                      `json:"phase"`
	CurrentTick  uint64                      `json:"current_tick,omitempty"`
	Leader       auction.BidderID            `json:"leader,omitempty"`
	LeaderAmount uint64                      `json:"leader_amount,omitempty"`
	Winner       *Winner                     `json:"winner,omitempty"`
	Balances     map[auction.BidderID]uint64 `json:"balances,omitempty"`
	Claims       map[auction.BidderID]bool   `json:"claims,omitempty"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

// Winner is the wire form of a resolved winner record.
type Winner struct {
	Sample uint64           `json:"sample"`
	Winner auction.BidderID `json:"winner_id,omitempty"`
	Amount uint64           `json:"amount"`
}

func toAuction(r *store.Record, now uint64) Auction {
	s := r.Snapshot
	a := Auction{
		ID:           r.ID,
		Config:       s.Config,
		Phase:        s.Config.PhaseAt(now, s.Winner != nil).String(),
		CurrentTick:  now,
		Leader:       s.Leader,
		LeaderAmount: s.LeaderAmount,
		Balances:     s.Balances,
		Claims:       s.Claims,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if s.Winner != nil {
		w := toWinner(*s.Winner)
		a.Winner = &w
	}
	return a
}

func toWinner(rec candle.WinnerRecord) Winner {
	return Winner{Sample: rec.Sample, Winner: rec.Winner, Amount: rec.Amount}
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		httpError(w, fmt.Sprintf("marshaling response: %s", err), http.StatusInternalServerError)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrInvalidConfig),
		errors.Is(err, auction.ErrStartTickInPast),
		errors.Is(err, auction.ErrZeroAmount),
		errors.Is(err, auction.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrNotInBiddingPhase),
		errors.Is(err, auction.ErrAlreadyFinalized),
		errors.Is(err, auction.ErrNotFinalized),
		errors.Is(err, auction.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, auction.ErrRandomnessNotReady):
		return http.StatusTooEarly
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
