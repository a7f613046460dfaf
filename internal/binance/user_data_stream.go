package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// UserDataStream maintains the futures user-data websocket: it acquires a
// listen key, keeps it alive, and forwards order and account events.
type UserDataStream struct {
	baseURL   string
	wsBaseURL string
	apiKey    string
	logger    zerolog.Logger
	client    *http.Client

	orderUpdates   chan OrderTradeUpdate
	accountUpdates chan AccountUpdate
}

// NewUserDataStream creates a user-data stream handler
func NewUserDataStream(baseURL, wsBaseURL, apiKey string, logger zerolog.Logger) *UserDataStream {
	return &UserDataStream{
		baseURL:        baseURL,
		wsBaseURL:      wsBaseURL,
		apiKey:         apiKey,
		logger:         logger.With().Str("component", "UserDataStream").Logger(),
		client:         &http.Client{Timeout: 10 * time.Second},
		orderUpdates:   make(chan OrderTradeUpdate, 256),
		accountUpdates: make(chan AccountUpdate, 64),
	}
}

// OrderUpdates delivers ORDER_TRADE_UPDATE events
func (u *UserDataStream) OrderUpdates() <-chan OrderTradeUpdate { return u.orderUpdates }

// AccountUpdates delivers ACCOUNT_UPDATE events
func (u *UserDataStream) AccountUpdates() <-chan AccountUpdate { return u.accountUpdates }

// Run connects and consumes the stream until ctx is canceled. The listen key
// is refreshed every 30 minutes; on any failure the stream reconnects with
// capped exponential backoff.
func (u *UserDataStream) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		if err := u.consume(ctx); err != nil && ctx.Err() == nil {
			u.logger.Warn().Err(err).Dur("backoff", backoff).Msg("user data stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(maxBackoff, backoff*2)
			continue
		}
		backoff = time.Second
	}
}

func (u *UserDataStream) consume(ctx context.Context) error {
	key, err := u.createListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.wsBaseURL+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	u.logger.Info().Msg("user data stream connected")

	keepCtx, cancelKeep := context.WithCancel(ctx)
	defer cancelKeep()
	go u.keepAlive(keepCtx)

	go func() {
		<-keepCtx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		u.handleMessage(msg)
	}
}

func (u *UserDataStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.refreshListenKey(ctx); err != nil {
				u.logger.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

func (u *UserDataStream) createListenKey(ctx context.Context) (string, error) {
	body, err := u.listenKeyRequest(ctx, http.MethodPost)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("empty listen key")
	}
	return resp.ListenKey, nil
}

func (u *UserDataStream) refreshListenKey(ctx context.Context) error {
	_, err := u.listenKeyRequest(ctx, http.MethodPut)
	return err
}

func (u *UserDataStream) listenKeyRequest(ctx context.Context, method string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", u.apiKey)
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{HTTPStatus: resp.StatusCode, Message: string(body)}
	}
	return body, nil
}

func (u *UserDataStream) handleMessage(msg []byte) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return
	}

	switch head.EventType {
	case "ORDER_TRADE_UPDATE":
		var ev wsOrderTradeUpdate
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		update := OrderTradeUpdate{
			EventTime:     ev.EventTime,
			Symbol:        ev.Order.Symbol,
			ClientOrderID: ev.Order.ClientOrderID,
			OrderID:       ev.Order.OrderID,
			Side:          ev.Order.Side,
			Status:        ev.Order.Status,
			OrigQty:       parseFloatStr(ev.Order.OrigQty),
			LastQty:       parseFloatStr(ev.Order.LastQty),
			LastPrice:     parseFloatStr(ev.Order.LastPrice),
			CumQty:        parseFloatStr(ev.Order.CumQty),
			AvgPrice:      parseFloatStr(ev.Order.AvgPrice),
			Commission:    parseFloatStr(ev.Order.Commission),
			TradeTime:     ev.Order.TradeTime,
		}
		select {
		case u.orderUpdates <- update:
		default:
			u.logger.Warn().Str("symbol", update.Symbol).Msg("order update channel full, dropping event")
		}
	case "ACCOUNT_UPDATE":
		var ev wsAccountUpdate
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		update := AccountUpdate{
			EventTime: ev.EventTime,
			Balances:  make(map[string]float64, len(ev.Account.Balances)),
		}
		for _, b := range ev.Account.Balances {
			update.Balances[b.Asset] = parseFloatStr(b.WalletBalance)
		}
		for _, p := range ev.Account.Positions {
			update.Positions = append(update.Positions, FuturesPosition{
				Symbol:           p.Symbol,
				PositionAmt:      parseFloatStr(p.PositionAmt),
				EntryPrice:       parseFloatStr(p.EntryPrice),
				UnrealizedProfit: parseFloatStr(p.UnrealizedProfit),
				UpdateTime:       ev.EventTime,
			})
		}
		select {
		case u.accountUpdates <- update:
		default:
			u.logger.Warn().Msg("account update channel full, dropping event")
		}
	case "listenKeyExpired":
		u.logger.Warn().Msg("listen key expired")
	}
}

type wsOrderTradeUpdate struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		OrderID       int64  `json:"i"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		OrigQty       string `json:"q"`
		LastQty       string `json:"l"`
		LastPrice     string `json:"L"`
		CumQty        string `json:"z"`
		AvgPrice      string `json:"ap"`
		Commission    string `json:"n"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

type wsAccountUpdate struct {
	EventTime int64 `json:"E"`
	Account   struct {
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol           string `json:"s"`
			PositionAmt      string `json:"pa"`
			EntryPrice       string `json:"ep"`
			UnrealizedProfit string `json:"up"`
		} `json:"P"`
	} `json:"a"`
}
