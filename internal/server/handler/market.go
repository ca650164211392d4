package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// MarketQueryService defines what the market handler needs from the query
// layer. Declared locally so the handler package does not depend on the
// concrete service implementation.
type MarketQueryService interface {
	GetMarket(ctx context.Context, id uint64) (domain.Market, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
	UserBet(ctx context.Context, marketID uint64, user common.Address) (domain.BetView, error)
	Handles(ctx context.Context, marketID uint64) (yes, no fhe.Handle, err error)
	Events(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Event, error)
}

// MarketHandler serves market read endpoints. Everything it returns is
// public: lifecycle state, ciphertext handles, revealed totals. Cleartext
// stakes and votes are never reachable from here.
type MarketHandler struct {
	markets MarketQueryService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketQueryService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketResponse `json:"markets"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// marketResponse is the wire shape of a market projection.
type marketResponse struct {
	ID                 uint64 `json:"id"`
	Title              string `json:"title"`
	MetadataURI        string `json:"metadata_uri,omitempty"`
	VotingEndsAt       int64  `json:"voting_ends_at"`
	ResolutionDeadline int64  `json:"resolution_deadline"`
	Status             string `json:"status"`
	Result             string `json:"result"`
	BetCount           uint64 `json:"bet_count"`
	YesTotalHandle     string `json:"yes_total_handle"`
	NoTotalHandle      string `json:"no_total_handle"`
	TotalsDecrypted    bool   `json:"totals_decrypted"`
	DecryptedYesTotal  uint64 `json:"decrypted_yes_total,omitempty"`
	DecryptedNoTotal   uint64 `json:"decrypted_no_total,omitempty"`
}

func toMarketResponse(m domain.Market) marketResponse {
	return marketResponse{
		ID:                 m.ID,
		Title:              m.Title,
		MetadataURI:        m.MetadataURI,
		VotingEndsAt:       m.VotingEndsAt.Unix(),
		ResolutionDeadline: m.ResolutionDeadline.Unix(),
		Status:             string(m.Status),
		Result:             string(m.Result),
		BetCount:           m.BetCount,
		YesTotalHandle:     m.YesTotalHandle.Hex(),
		NoTotalHandle:      m.NoTotalHandle.Hex(),
		TotalsDecrypted:    m.TotalsDecrypted,
		DecryptedYesTotal:  m.DecryptedYesTotal,
		DecryptedNoTotal:   m.DecryptedNoTotal,
	}
}

// ListMarkets returns markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	out := make([]marketResponse, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketResponse(m))
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its numeric ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrMarketNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, toMarketResponse(market))
}

// GetHandles returns the encrypted running totals of a market, the inputs
// a relayer hands to the decryption oracle.
// GET /api/markets/{id}/handles
func (h *MarketHandler) GetHandles(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	yes, no, err := h.markets.Handles(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrMarketNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get handles failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get handles")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"yes_total_handle": yes.Hex(),
		"no_total_handle":  no.Hex(),
	})
}

// GetUserBet returns the public view of a user's bet on a market. A missing
// bet is a 200 with exists=false, not a 404, so callers cannot distinguish
// "never bet" from "not yet mirrored" by status code.
// GET /api/markets/{id}/bets/{address}
func (h *MarketHandler) GetUserBet(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	addr := r.PathValue("address")
	if !common.IsHexAddress(addr) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	view, err := h.markets.UserBet(r.Context(), id, common.HexToAddress(addr))
	if err != nil {
		if errors.Is(err, domain.ErrMarketNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get user bet failed",
			slog.Uint64("market_id", id),
			slog.String("address", addr),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get bet")
		return
	}

	resp := map[string]any{
		"exists":  view.Exists,
		"claimed": view.Claimed,
	}
	if view.Exists {
		resp["vote_handle"] = view.VoteHandle.Hex()
		resp["amount_handle"] = view.AmountHandle.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEvents returns a market's event log from the journal.
// GET /api/markets/{id}/events?limit=50&offset=0
func (h *MarketHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	events, err := h.markets.Events(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list events failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
