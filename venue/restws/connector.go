// Package restws 提供基于 REST + WebSocket 的通用 venue 连接器：
// REST 负责下单 / 撤单 / 查询，WebSocket 负责持仓推流（带自动重连）。
// 交易所侧差异（超时 / 限流 / staleness）不在这里处理，由执行引擎
// 按注入的 quirk policy 决策；这里只做忠实的传输层。
package restws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hedgebot/gopair/internal/domain"
	"github.com/hedgebot/gopair/pkg/ratelimit"
	"github.com/hedgebot/gopair/venue"
)

var log = logrus.WithField("module", "venue.restws")

// Config REST+WS venue 配置
type Config struct {
	VenueID   string        `yaml:"venue_id"`
	BaseURL   string        `yaml:"base_url"`
	WSURL     string        `yaml:"ws_url"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	Symbol    string        `yaml:"symbol"`
	Timeout   time.Duration `yaml:"timeout"` // 单次 REST 调用超时
}

// Connector venue.Connector 的 REST+WS 实现
type Connector struct {
	cfg    Config
	client *resty.Client
	limits *ratelimit.Manager
}

// New 创建连接器
func New(cfg Config) (*Connector, error) {
	if cfg.VenueID == "" || cfg.BaseURL == "" {
		return nil, errors.New("restws: venue_id and base_url are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("X-API-Key", cfg.APIKey).
		SetRetryCount(0) // 重试语义属于执行引擎，不在传输层做

	return &Connector{
		cfg:    cfg,
		client: client,
		limits: ratelimit.NewManager(),
	}, nil
}

func (c *Connector) ID() string { return c.cfg.VenueID }

type placeOrderRequest struct {
	ClientID string `json:"client_id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
	Price    string `json:"price,omitempty"`
}

type placeOrderResponse struct {
	OrderID   string `json:"order_id"`
	CreatedAt int64  `json:"created_at"` // unix ms
}

// PlaceOrder 下单。client_id 幂等：同 client_id 重复提交返回同一订单。
func (c *Connector) PlaceOrder(ctx context.Context, req venue.PlaceRequest) (*venue.OrderHandle, error) {
	if err := c.limits.Wait(ctx, "venue:order:post"); err != nil {
		return nil, err
	}

	body := placeOrderRequest{
		ClientID: req.ClientID,
		Symbol:   c.cfg.Symbol,
		Side:     strings.ToLower(string(req.Side)),
		Type:     string(req.OrderType),
		Quantity: req.Quantity.String(),
	}
	if req.LimitPrice != nil {
		body.Price = req.LimitPrice.String()
	}

	var out placeOrderResponse
	resp, err := c.client.R().SetContext(ctx).SetBody(body).SetResult(&out).Post("/orders")
	if err != nil {
		return nil, wrapTransportError("place order", err)
	}
	if !resp.IsSuccess() {
		return nil, apiError("place order", resp)
	}

	placedAt := time.UnixMilli(out.CreatedAt)
	if out.CreatedAt == 0 {
		placedAt = time.Now()
	}
	return &venue.OrderHandle{ID: out.OrderID, PlacedAt: placedAt}, nil
}

// CancelOrder 撤单
func (c *Connector) CancelOrder(ctx context.Context, handle *venue.OrderHandle) error {
	if err := c.limits.Wait(ctx, "venue:order:delete"); err != nil {
		return err
	}
	resp, err := c.client.R().SetContext(ctx).Delete("/orders/" + handle.ID)
	if err != nil {
		return wrapTransportError("cancel order", err)
	}
	if !resp.IsSuccess() {
		return apiError("cancel order", resp)
	}
	return nil
}

type orderStatusResponse struct {
	Status         string `json:"status"`
	FilledQuantity string `json:"filled_quantity"`
	AvgFillPrice   string `json:"avg_fill_price"`
}

// OrderStatus 查询订单状态
func (c *Connector) OrderStatus(ctx context.Context, handle *venue.OrderHandle) (*venue.OrderState, error) {
	if err := c.limits.Wait(ctx, "venue:order:get"); err != nil {
		return nil, err
	}
	var out orderStatusResponse
	resp, err := c.client.R().SetContext(ctx).SetResult(&out).Get("/orders/" + handle.ID)
	if err != nil {
		return nil, wrapTransportError("order status", err)
	}
	if !resp.IsSuccess() {
		return nil, apiError("order status", resp)
	}

	filled, err := decimal.NewFromString(out.FilledQuantity)
	if err != nil {
		return nil, errors.Wrapf(err, "restws: bad filled_quantity %q", out.FilledQuantity)
	}
	avg := decimal.Zero
	if out.AvgFillPrice != "" {
		if avg, err = decimal.NewFromString(out.AvgFillPrice); err != nil {
			return nil, errors.Wrapf(err, "restws: bad avg_fill_price %q", out.AvgFillPrice)
		}
	}
	return &venue.OrderState{
		Status:         domain.OrderStatus(out.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, nil
}

type positionResponse struct {
	Position string `json:"position"`
}

// QueryPosition 轮询口径的持仓查询（对账专用）
func (c *Connector) QueryPosition(ctx context.Context) (decimal.Decimal, error) {
	if err := c.limits.Wait(ctx, "venue:position:get"); err != nil {
		return decimal.Zero, err
	}
	var out positionResponse
	resp, err := c.client.R().SetContext(ctx).
		SetQueryParam("symbol", c.cfg.Symbol).
		SetResult(&out).Get("/positions")
	if err != nil {
		return decimal.Zero, wrapTransportError("query position", err)
	}
	if !resp.IsSuccess() {
		return decimal.Zero, apiError("query position", resp)
	}
	return decimal.NewFromString(out.Position)
}

type quoteResponse struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
	TS  int64  `json:"ts"` // unix ms
}

// BestQuote 最优买卖价
func (c *Connector) BestQuote(ctx context.Context) (*venue.Quote, error) {
	if err := c.limits.Wait(ctx, "venue:quote:get"); err != nil {
		return nil, err
	}
	var out quoteResponse
	resp, err := c.client.R().SetContext(ctx).
		SetQueryParam("symbol", c.cfg.Symbol).
		SetResult(&out).Get("/quote")
	if err != nil {
		return nil, wrapTransportError("best quote", err)
	}
	if !resp.IsSuccess() {
		return nil, apiError("best quote", resp)
	}

	bid, err := decimal.NewFromString(out.Bid)
	if err != nil {
		return nil, errors.Wrapf(err, "restws: bad bid %q", out.Bid)
	}
	ask, err := decimal.NewFromString(out.Ask)
	if err != nil {
		return nil, errors.Wrapf(err, "restws: bad ask %q", out.Ask)
	}
	return &venue.Quote{Bid: bid, Ask: ask, At: time.UnixMilli(out.TS)}, nil
}

// ---- 持仓推流 ----

type wsSubscribe struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

type wsMessage struct {
	Channel  string `json:"channel"`
	Position string `json:"position"`
}

// SubscribePositions 订阅持仓推流，阻塞直到 ctx 取消。
// 连接断开后指数退避自动重连；handler 收到的是带符号的绝对持仓快照。
func (c *Connector) SubscribePositions(ctx context.Context, handler venue.PositionHandler) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.streamOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnf("持仓推流断开: venue=%s err=%v，%s 后重连", c.cfg.VenueID, err, backoff)
		if werr := sleepCtx(ctx, backoff); werr != nil {
			return werr
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *Connector) streamOnce(ctx context.Context, handler venue.PositionHandler) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, http.Header{"X-API-Key": {c.cfg.APIKey}})
	if err != nil {
		return errors.Wrap(err, "restws: ws dial")
	}
	defer conn.Close()

	sub := wsSubscribe{Op: "subscribe", Channel: "positions", Symbol: c.cfg.Symbol}
	if err := conn.WriteJSON(sub); err != nil {
		return errors.Wrap(err, "restws: ws subscribe")
	}
	log.Infof("持仓推流已连接: venue=%s symbol=%s", c.cfg.VenueID, c.cfg.Symbol)

	// ctx 取消时主动关连接，打断阻塞的 ReadMessage
	var once sync.Once
	done := make(chan struct{})
	defer once.Do(func() { close(done) })
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debugf("忽略无法解析的推流消息: venue=%s err=%v", c.cfg.VenueID, err)
			continue
		}
		if msg.Channel != "positions" {
			continue
		}
		qty, err := decimal.NewFromString(msg.Position)
		if err != nil {
			log.Warnf("推流持仓数值无效: venue=%s raw=%q", c.cfg.VenueID, msg.Position)
			continue
		}
		handler(qty)
	}
}

// ---- 错误映射 ----

// wrapTransportError 传输层错误一律视为可重试（超时 / 连接失败都可能在途成交，
// 调用方必须走 failed-but-possibly-in-flight 对账路径）。
func wrapTransportError(op string, err error) error {
	return venue.Retryable(errors.Wrapf(err, "restws: %s", op))
}

// apiError 按 HTTP 状态码映射到统一错误分类
func apiError(op string, resp *resty.Response) error {
	status := resp.StatusCode()
	body := strings.TrimSpace(string(resp.Body()))

	switch {
	case status == http.StatusNotFound:
		return errors.Wrapf(venue.ErrNotFound, "restws: %s: %s", op, body)
	case status == http.StatusConflict:
		// 撤单竞态：订单已成交
		return errors.Wrapf(venue.ErrAlreadyFilled, "restws: %s: %s", op, body)
	case status == http.StatusUnprocessableEntity:
		return errors.Wrapf(venue.ErrInvalidPrice, "restws: %s: %s", op, body)
	case status == http.StatusPaymentRequired:
		return errors.Wrapf(venue.ErrInsufficientBalance, "restws: %s: %s", op, body)
	case status == http.StatusTooManyRequests || status >= 500:
		return venue.Retryable(fmt.Errorf("restws: %s: http %d: %s", op, status, body))
	case status >= 400:
		return errors.Wrapf(venue.ErrRejected, "restws: %s: http %d: %s", op, status, body)
	}
	return fmt.Errorf("restws: %s: unexpected http %d", op, status)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
