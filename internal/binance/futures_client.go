package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClientImpl implements the FuturesClient interface over signed REST.
// It performs exactly one request per call; retry policy belongs to the
// caller (the order router for transient submit errors, every other task
// simply skips its tick).
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int
	httpClient *http.Client
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(apiKey, secretKey string, testnet bool, recvWindow int) *FuturesClientImpl {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}
	if recvWindow <= 0 {
		recvWindow = 10000
	}
	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClientImpl{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		recvWindow: recvWindow,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ==================== ACCOUNT ====================

func (c *FuturesClientImpl) GetFuturesAccountInfo() (*FuturesAccountInfo, error) {
	resp, err := c.signedRequest(http.MethodGet, "/fapi/v2/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	var accountInfo FuturesAccountInfo
	if err := json.Unmarshal(resp, &accountInfo); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	return &accountInfo, nil
}

func (c *FuturesClientImpl) GetPositions() ([]FuturesPosition, error) {
	resp, err := c.signedRequest(http.MethodGet, "/fapi/v2/positionRisk", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}
	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	return positions, nil
}

// ==================== TRADING ====================

func (c *FuturesClientImpl) PlaceFuturesOrder(params FuturesOrderParams) (*FuturesOrderResponse, error) {
	p := map[string]string{
		"symbol":   params.Symbol,
		"side":     string(params.Side),
		"type":     string(params.Type),
		"quantity": formatQty(params.Quantity),
	}
	if params.Type == OrderTypeLimit && params.Price > 0 {
		p["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
		p["timeInForce"] = "GTC"
	}
	if params.ReduceOnly {
		p["reduceOnly"] = "true"
	}
	if params.NewClientOrderID != "" {
		p["newClientOrderId"] = params.NewClientOrderID
	}

	resp, err := c.signedRequest(http.MethodPost, "/fapi/v1/order", p)
	if err != nil {
		return nil, err
	}
	var order FuturesOrderResponse
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &order, nil
}

func (c *FuturesClientImpl) CancelFuturesOrder(symbol string, orderID int64) error {
	p := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	_, err := c.signedRequest(http.MethodDelete, "/fapi/v1/order", p)
	return err
}

func (c *FuturesClientImpl) GetOpenOrders(symbol string) ([]FuturesOrder, error) {
	p := map[string]string{}
	if symbol != "" {
		p["symbol"] = symbol
	}
	resp, err := c.signedRequest(http.MethodGet, "/fapi/v1/openOrders", p)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	var orders []FuturesOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	return orders, nil
}

// ==================== MARKET DATA ====================

func (c *FuturesClientImpl) GetMarkPrice(symbol string) (*MarkPrice, error) {
	resp, err := c.publicGet("/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching mark price: %w", err)
	}
	var mark MarkPrice
	if err := json.Unmarshal(resp, &mark); err != nil {
		return nil, fmt.Errorf("error parsing mark price: %w", err)
	}
	return &mark, nil
}

func (c *FuturesClientImpl) GetFuturesKlines(symbol, interval string, limit int) ([]Kline, error) {
	p := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	resp, err := c.publicGet("/fapi/v1/klines", p)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	// Klines come back as arrays of mixed types
	var raw [][]interface{}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	now := time.Now().UnixMilli()
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		kline := Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  int64(asFloat(k[0])),
			Open:      parseFloat(k[1]),
			High:      parseFloat(k[2]),
			Low:       parseFloat(k[3]),
			Close:     parseFloat(k[4]),
			Volume:    parseFloat(k[5]),
			CloseTime: int64(asFloat(k[6])),
		}
		kline.IsClosed = kline.CloseTime <= now
		klines = append(klines, kline)
	}
	return klines, nil
}

// ==================== EXCHANGE INFO ====================

func (c *FuturesClientImpl) GetSymbolRules(symbols []string) (map[string]SymbolRule, error) {
	resp, err := c.publicGet("/fapi/v1/exchangeInfo", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}
	var info FuturesExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = true
	}

	rules := make(map[string]SymbolRule)
	for _, si := range info.Symbols {
		if len(want) > 0 && !want[si.Symbol] {
			continue
		}
		rule := SymbolRule{Symbol: si.Symbol, StepSize: 0.001, MinNotional: 5.0}
		for _, f := range si.Filters {
			switch f.FilterType {
			case "LOT_SIZE", "MARKET_LOT_SIZE":
				if v := parseFloatStr(f.StepSize); v > 0 && (f.FilterType == "LOT_SIZE" || rule.StepSize == 0.001) {
					rule.StepSize = v
				}
				if v := parseFloatStr(f.MinQty); v > 0 {
					rule.MinQty = v
				}
				if v := parseFloatStr(f.MaxQty); v > 0 {
					rule.MaxQty = v
				}
			case "MIN_NOTIONAL", "NOTIONAL":
				if v := parseFloatStr(f.MinNotional); v > 0 {
					rule.MinNotional = v
				}
			}
		}
		rules[si.Symbol] = rule
	}
	return rules, nil
}

// ==================== TRANSPORT ====================

func (c *FuturesClientImpl) signParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	query := values.Encode()

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	signature := hex.EncodeToString(mac.Sum(nil))
	return query + "&signature=" + signature
}

func (c *FuturesClientImpl) signedRequest(method, endpoint string, params map[string]string) ([]byte, error) {
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = strconv.Itoa(c.recvWindow)
	query := c.signParams(params)
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, query)

	req, err := http.NewRequest(method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req)
}

func (c *FuturesClientImpl) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	reqURL := c.baseURL + endpoint
	if len(values) > 0 {
		reqURL += "?" + values.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *FuturesClientImpl) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: string(body)}
		// Binance error bodies carry {"code":..,"msg":".."}
		_ = json.Unmarshal(body, apiErr)
		return nil, apiErr
	}
	return body, nil
}

func formatQty(q float64) string {
	s := strconv.FormatFloat(q, 'f', 10, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return asFloat(v)
	}
	return parseFloatStr(s)
}

func parseFloatStr(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
