package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/go-marketplace/internal/authz"
	"github.com/safar/go-marketplace/internal/cart"
	"github.com/safar/go-marketplace/internal/config"
	"github.com/safar/go-marketplace/internal/database"
	"github.com/safar/go-marketplace/internal/models"
	"github.com/safar/go-marketplace/internal/store"
	"github.com/shopspring/decimal"
)

// The API is a thin presentation layer: it resolves the acting account,
// translates HTTP into core calls and typed errors into status codes. All
// business rules live in internal/store.

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	log.Info().Msg("connected to database")

	app := &app{db: db, queryTimeout: cfg.Database.QueryTimeout}

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts", app.handleAccounts)
	mux.HandleFunc("/accounts/", app.handleAccountByName)
	mux.HandleFunc("/login", app.handleLogin)
	mux.HandleFunc("/products", app.handleProducts)
	mux.HandleFunc("/products/", app.handleProductByID)
	mux.HandleFunc("/checkout", app.handleCheckout)
	mux.HandleFunc("/cart/subtotal", app.handleCartSubtotal)
	mux.HandleFunc("/orders", app.handleOrders)
	mux.HandleFunc("/orders/", app.handleOrderByID)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info().Str("port", cfg.Server.Port).Msg("server starting")
	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

type app struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func (a *app) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.queryTimeout)
}

// actor resolves the authenticated account from request headers. The core
// never sees credentials, only the resolved account and role.
func (a *app) actor(r *http.Request) (*models.Account, error) {
	ctx, cancel := a.ctx(r)
	defer cancel()
	return store.Authenticate(ctx, a.db, r.Header.Get("X-Username"), r.Header.Get("X-Secret"))
}

type lineRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

func buildCart(lines []lineRequest) (*cart.Cart, error) {
	c := cart.New()
	for _, line := range lines {
		if err := c.AddLine(line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (a *app) handleAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.ctx(r)
	defer cancel()

	switch r.Method {
	case http.MethodPost:
		var req struct {
			Username    string `json:"username"`
			Secret      string `json:"secret"`
			Role        string `json:"role"`
			DisplayName string `json:"display_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		account, err := store.RegisterAccount(ctx, a.db, req.Username, req.Secret, models.Role(req.Role), req.DisplayName)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, account)

	case http.MethodGet:
		actor, err := a.actor(r)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		page, pageSize := pageParams(r)
		result, err := store.ListAccounts(ctx, a.db, actor.Role, page, pageSize)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *app) handleAccountByName(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.ctx(r)
	defer cancel()

	target := strings.TrimPrefix(r.URL.Path, "/accounts/")
	actor, err := a.actor(r)
	if err != nil {
		respondTypedError(w, err)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req struct {
			Secret      *string `json:"secret"`
			DisplayName *string `json:"display_name"`
			Role        *string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		changes := store.AccountChanges{Secret: req.Secret, DisplayName: req.DisplayName}
		if req.Role != nil {
			role := models.Role(*req.Role)
			changes.Role = &role
		}

		account, err := store.UpdateAccount(ctx, a.db, actor, target, changes)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, account)

	case http.MethodDelete:
		if err := store.DeleteAccount(ctx, a.db, actor, target); err != nil {
			respondTypedError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *app) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := a.ctx(r)
	defer cancel()

	var req struct {
		Username string `json:"username"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := store.Authenticate(ctx, a.db, req.Username, req.Secret)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (a *app) handleProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.ctx(r)
	defer cancel()

	switch r.Method {
	case http.MethodPost:
		actor, err := a.actor(r)
		if err != nil {
			respondTypedError(w, err)
			return
		}

		var req struct {
			Name        string `json:"name"`
			Category    string `json:"category"`
			Description string `json:"description"`
			Price       string `json:"price"`
			Stock       int    `json:"stock"`
			IsAuction   bool   `json:"is_auction"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		price, err := decimal.NewFromString(req.Price)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid price")
			return
		}

		product, err := store.CreateProduct(ctx, a.db, actor.Role, store.ProductSpec{
			Name:        req.Name,
			Category:    req.Category,
			Description: req.Description,
			Price:       price,
			Stock:       req.Stock,
			IsAuction:   req.IsAuction,
		})
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, product)

	case http.MethodGet:
		page, pageSize := pageParams(r)
		filter := store.ProductFilter{
			Category:    r.URL.Query().Get("category"),
			AuctionOnly: r.URL.Query().Get("auction") == "true",
		}
		result, err := store.ListProducts(ctx, a.db, filter, page, pageSize)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *app) handleProductByID(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.ctx(r)
	defer cancel()

	rest := strings.TrimPrefix(r.URL.Path, "/products/")
	idStr, sub, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product ID")
		return
	}

	switch {
	case sub == "bid" && r.Method == http.MethodPost:
		actor, err := a.actor(r)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		if err := authz.Require(actor.Role, authz.ActionPlaceBid); err != nil {
			respondTypedError(w, err)
			return
		}

		var req struct {
			Amount string `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid amount")
			return
		}

		state, err := store.PlaceBid(ctx, a.db, actor.Username, id, amount)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, state)

	case sub == "auction" && r.Method == http.MethodGet:
		state, err := store.GetAuctionState(ctx, a.db, id)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, state)

	case sub == "" && r.Method == http.MethodGet:
		product, err := store.GetProduct(ctx, a.db, id)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, product)

	case sub == "" && r.Method == http.MethodPut:
		actor, err := a.actor(r)
		if err != nil {
			respondTypedError(w, err)
			return
		}

		var req struct {
			Name        *string `json:"name"`
			Category    *string `json:"category"`
			Description *string `json:"description"`
			Price       *string `json:"price"`
			Stock       *int    `json:"stock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		changes := store.ProductChanges{
			Name:        req.Name,
			Category:    req.Category,
			Description: req.Description,
			Stock:       req.Stock,
		}
		if req.Price != nil {
			price, err := decimal.NewFromString(*req.Price)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid price")
				return
			}
			changes.Price = &price
		}

		product, err := store.UpdateProduct(ctx, a.db, actor.Role, id, changes)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, product)

	case sub == "" && r.Method == http.MethodDelete:
		actor, err := a.actor(r)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		if err := store.DeleteProduct(ctx, a.db, actor.Role, id); err != nil {
			respondTypedError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *app) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := a.ctx(r)
	defer cancel()

	actor, err := a.actor(r)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	if err := authz.Require(actor.Role, authz.ActionCheckout); err != nil {
		respondTypedError(w, err)
		return
	}

	var req struct {
		Items []lineRequest `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := buildCart(req.Items)
	if err != nil {
		respondTypedError(w, err)
		return
	}

	order, err := store.Checkout(ctx, a.db, actor.Username, c)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	c.Clear()

	respondJSON(w, http.StatusCreated, order)
}

func (a *app) handleCartSubtotal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := a.ctx(r)
	defer cancel()

	var req struct {
		Items []lineRequest `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := buildCart(req.Items)
	if err != nil {
		respondTypedError(w, err)
		return
	}

	subtotal, err := store.CartSubtotal(ctx, a.db, c)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"subtotal": subtotal.String()})
}

func (a *app) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := a.ctx(r)
	defer cancel()

	actor, err := a.actor(r)
	if err != nil {
		respondTypedError(w, err)
		return
	}

	cursor := r.URL.Query().Get("cursor")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var result *store.CursorPage
	if r.URL.Query().Get("all") == "true" {
		result, err = store.ListAllOrders(ctx, a.db, actor.Role, cursor, limit)
	} else {
		result, err = store.ListOrdersForAccount(ctx, a.db, actor.Username, cursor, limit)
	}
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *app) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.ctx(r)
	defer cancel()

	rest := strings.TrimPrefix(r.URL.Path, "/orders/")
	idStr, sub, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	actor, err := a.actor(r)
	if err != nil {
		respondTypedError(w, err)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		order, err := store.GetOrder(ctx, a.db, actor, id)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, order)

	case sub == "status" && r.Method == http.MethodPost:
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		order, err := store.UpdateOrderStatus(ctx, a.db, actor.Role, id, req.Status)
		if err != nil {
			respondTypedError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, order)

	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondTypedError(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, database.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, database.ErrAccountNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrDuplicateUsername),
		errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrReferencedByOrder),
		errors.Is(err, database.ErrAccountHasOrders),
		errors.Is(err, database.ErrBidTooLow),
		errors.Is(err, database.ErrNotAuctionItem),
		errors.Is(err, database.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, database.ErrInvalidSpec),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrEmptyCart):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
