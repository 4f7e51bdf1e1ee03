package bpx

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/savplux/backpack-liquidation-limit/internal/config"
	"github.com/savplux/backpack-liquidation-limit/internal/trading"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type account struct {
	client  *Client
	address string
}

// Gateway implements the exchange capability over the Backpack REST API
// with one signed client per configured account.
type Gateway struct {
	public   *Client
	accounts map[string]*account
	log      *zap.Logger
}

func NewGateway(cfg config.RESTConfig, main config.Account, pairs []config.PairConfig, log *zap.Logger) (*Gateway, error) {
	public, err := NewClient(cfg.BaseURL, cfg.Timeout, "", "", log)
	if err != nil {
		return nil, err
	}
	g := &Gateway{public: public, accounts: map[string]*account{}, log: log}
	add := func(acct config.Account) error {
		if _, ok := g.accounts[acct.Name]; ok {
			return nil
		}
		client, err := NewClient(cfg.BaseURL, cfg.Timeout, acct.APIKey, acct.APISecret, log)
		if err != nil {
			return fmt.Errorf("account %s: %w", acct.Name, err)
		}
		g.accounts[acct.Name] = &account{client: client, address: acct.Address}
		return nil
	}
	if err := add(main); err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		if err := add(pair.ShortAccount); err != nil {
			return nil, err
		}
		if err := add(pair.LongAccount); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Gateway) account(name string) (*account, error) {
	acct, ok := g.accounts[name]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	return acct, nil
}

func (g *Gateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var prices []markPriceEntry
	if err := g.public.Get(ctx, "/api/v1/markPrices", "", map[string]any{"symbol": symbol}, &prices); err != nil {
		return 0, err
	}
	for _, p := range prices {
		if symbolsEqual(p.Symbol, symbol) {
			return parsePrice(p.MarkPrice)
		}
	}
	return 0, fmt.Errorf("no mark price for %s: %w", symbol, trading.ErrTransient)
}

func (g *Gateway) MarketInfo(ctx context.Context, symbol string) (trading.Market, error) {
	var markets []marketEntry
	if err := g.public.Get(ctx, "/api/v1/markets", "", nil, &markets); err != nil {
		return trading.Market{}, err
	}
	for _, m := range markets {
		if !symbolsEqual(m.Symbol, symbol) {
			continue
		}
		tick, err := parsePrice(m.Filters.Price.TickSize)
		if err != nil {
			return trading.Market{}, fmt.Errorf("market %s tick size: %w", symbol, err)
		}
		step, err := parsePrice(m.Filters.Quantity.StepSize)
		if err != nil {
			return trading.Market{}, fmt.Errorf("market %s step size: %w", symbol, err)
		}
		return trading.Market{Symbol: m.Symbol, BaseIncrement: step, PriceIncrement: tick}, nil
	}
	return trading.Market{}, fmt.Errorf("unknown market %s", symbol)
}

func (g *Gateway) PlaceLimitOrder(ctx context.Context, req trading.OrderRequest) (string, error) {
	acct, err := g.account(req.Account)
	if err != nil {
		return "", err
	}
	params := orderParams(req, "Limit")
	params["price"] = decimal.NewFromFloat(req.Price).String()
	params["timeInForce"] = "GTC"
	var resp orderResponse
	if err := acct.client.Post(ctx, "/api/v1/order", "orderExecute", params, &resp); err != nil {
		if IsCode(err, codeInsufficientFunds) {
			return "", fmt.Errorf("%s: %w", req.Account, trading.ErrInsufficientFunds)
		}
		return "", err
	}
	return resp.ID, nil
}

func (g *Gateway) PlaceMarketOrder(ctx context.Context, req trading.OrderRequest) (string, error) {
	acct, err := g.account(req.Account)
	if err != nil {
		return "", err
	}
	var resp orderResponse
	if err := acct.client.Post(ctx, "/api/v1/order", "orderExecute", orderParams(req, "Market"), &resp); err != nil {
		if IsCode(err, codeInsufficientFunds) {
			return "", fmt.Errorf("%s: %w", req.Account, trading.ErrInsufficientFunds)
		}
		return "", err
	}
	return resp.ID, nil
}

func orderParams(req trading.OrderRequest, orderType string) map[string]any {
	params := map[string]any{
		"symbol":              req.Symbol,
		"side":                string(req.Side),
		"orderType":           orderType,
		"quantity":            decimal.NewFromFloat(req.Size).String(),
		"selfTradePrevention": "RejectTaker",
		"autoBorrow":          true,
		"autoBorrowRepay":     true,
		"autoLend":            true,
		"autoLendRedeem":      true,
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	return params
}

// OrderStatus resolves the exchange status to the engine's coarse one. An
// order the API no longer knows about is disambiguated through the
// position: holding one means the order filled.
func (g *Gateway) OrderStatus(ctx context.Context, accountName, symbol, orderID string) (trading.OrderStatus, error) {
	acct, err := g.account(accountName)
	if err != nil {
		return "", err
	}
	var resp orderResponse
	params := map[string]any{"symbol": symbol, "orderId": orderID}
	if err := acct.client.Get(ctx, "/api/v1/order", "orderQuery", params, &resp); err != nil {
		if IsCode(err, codeResourceNotFound) {
			_, open, posErr := g.Position(ctx, accountName, symbol)
			if posErr == nil && open {
				return trading.OrderFilled, nil
			}
			return "", fmt.Errorf("order %s gone without a position: %w", orderID, trading.ErrTransient)
		}
		return "", err
	}
	switch resp.Status {
	case "New", "PartiallyFilled", "TriggerPending":
		return trading.OrderOpen, nil
	case "Filled":
		return trading.OrderFilled, nil
	case "Cancelled", "Expired":
		return trading.OrderCancelled, nil
	default:
		return "", fmt.Errorf("order %s status %q: %w", orderID, resp.Status, trading.ErrTransient)
	}
}

func (g *Gateway) CancelOrder(ctx context.Context, accountName, symbol, orderID string) error {
	acct, err := g.account(accountName)
	if err != nil {
		return err
	}
	params := map[string]any{"symbol": symbol, "orderId": orderID}
	if err := acct.client.Delete(ctx, "/api/v1/order", "orderCancel", params, nil); err != nil {
		if IsCode(err, codeResourceNotFound) {
			// Nothing left to cancel: the order filled or was already
			// removed.
			return fmt.Errorf("order %s: %w", orderID, trading.ErrAlreadyFilled)
		}
		return err
	}
	return nil
}

func (g *Gateway) Position(ctx context.Context, accountName, symbol string) (trading.Position, bool, error) {
	acct, err := g.account(accountName)
	if err != nil {
		return trading.Position{}, false, err
	}
	var positions []positionEntry
	if err := acct.client.Get(ctx, "/api/v1/position", "positionQuery", nil, &positions); err != nil {
		return trading.Position{}, false, err
	}
	for _, p := range positions {
		if !symbolsEqual(p.Symbol, symbol) {
			continue
		}
		size, err := parsePrice(p.NetQuantity)
		if err != nil || size == 0 {
			return trading.Position{}, false, err
		}
		pos := trading.Position{Account: accountName, Symbol: symbol, Size: size}
		pos.EntryPrice, _ = parsePrice(p.EntryPrice)
		pos.MarkPrice, _ = parsePrice(p.MarkPrice)
		pos.LiquidationPrice, _ = parsePrice(p.EstLiquidationPrice)
		return pos, true, nil
	}
	return trading.Position{}, false, nil
}

func (g *Gateway) FreeBalance(ctx context.Context, accountName string) (float64, error) {
	acct, err := g.account(accountName)
	if err != nil {
		return 0, err
	}
	var resp collateralResponse
	if err := acct.client.Get(ctx, "/api/v1/capital/collateral", "collateralQuery", nil, &resp); err != nil {
		return 0, err
	}
	for _, item := range resp.Collateral {
		if item.Symbol == "USDC" {
			return parsePrice(item.AvailableQuantity)
		}
	}
	return 0, nil
}

// Transfer moves USDC between the bot's accounts as an on-chain withdrawal
// to the destination account's Solana deposit address, signed by the source
// account.
func (g *Gateway) Transfer(ctx context.Context, from, to string, amount float64) error {
	source, err := g.account(from)
	if err != nil {
		return err
	}
	dest, err := g.account(to)
	if err != nil {
		return err
	}
	if dest.address == "" {
		return fmt.Errorf("account %s has no deposit address: %w", to, trading.ErrTransferFailed)
	}
	params := map[string]any{
		"address":    dest.address,
		"blockchain": "Solana",
		"quantity":   decimal.NewFromFloat(amount).StringFixed(6),
		"symbol":     "USDC",
	}
	if err := source.client.Post(ctx, "/wapi/v1/capital/withdrawals", "withdraw", params, nil); err != nil {
		if IsCode(err, codeInsufficientFunds) {
			return fmt.Errorf("%s -> %s: %w", from, to, trading.ErrInsufficientFunds)
		}
		return fmt.Errorf("%s -> %s: %w: %w", from, to, trading.ErrTransferFailed, err)
	}
	return nil
}

func (g *Gateway) SetLeverage(ctx context.Context, accountName, symbol string, leverage float64) error {
	acct, err := g.account(accountName)
	if err != nil {
		return err
	}
	params := map[string]any{"leverageLimit": decimal.NewFromFloat(leverage).String()}
	return acct.client.Patch(ctx, "/api/v1/account", "accountUpdate", params, nil)
}

// symbolsEqual tolerates the dash and underscore spellings the API mixes
// for the same market.
func symbolsEqual(a, b string) bool {
	return normalizeSymbol(a) == normalizeSymbol(b)
}

func normalizeSymbol(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}
