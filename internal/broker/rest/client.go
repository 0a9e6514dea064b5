// Package rest 通过 HTTP JSON 接口对接券商网关，所有调用经过熔断器。
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"spreadguard/internal/broker"
	"spreadguard/internal/config"
	"spreadguard/internal/logger"
	"spreadguard/internal/pkg/circuit"
	"spreadguard/internal/types"
)

// Client implements broker.Broker over the gateway REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	breaker    *circuit.Breaker
}

var _ broker.Broker = (*Client)(nil)

// httpError 网关返回的非 2xx 响应。
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("broker 返回错误: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("broker 返回错误(%d): %s", e.Status, e.Body)
}

// clientError 4xx 是请求本身的问题，不计入熔断。
func (e *httpError) clientError() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout
}

func NewClient(cfg config.BrokerConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("broker.api_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 broker.api_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		}
	}
	cb := circuit.New("broker", cfg.BreakerThreshold, time.Duration(cfg.BreakerTimeoutSeconds)*time.Second)
	cb.SetTripFilter(func(err error) bool {
		var he *httpError
		if errors.As(err, &he) {
			return !he.clientError()
		}
		return true
	})
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		token:      strings.TrimSpace(cfg.APIToken),
		breaker:    cb,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) Breaker() *circuit.Breaker { return c.breaker }

func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/orders", req)
	if err != nil {
		return broker.Order{}, rejection("submit", req.ClientOrderID, err)
	}
	o := parseSubmitted(raw, req)
	if o.ID == "" {
		return broker.Order{}, &types.OrderRejection{Action: "submit", Reason: "broker did not return an order id", Transient: true}
	}
	if o.Status == broker.StatusRejected {
		return o, &types.OrderRejection{OrderID: o.ID, Action: "submit", Reason: o.Reason}
	}
	return o, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil); err != nil {
		return rejection("cancel", orderID, err)
	}
	return nil
}

func (c *Client) ReplaceOrder(ctx context.Context, orderID string, price float64) (broker.Order, error) {
	raw, err := c.doRequest(ctx, http.MethodPut, "/orders/"+url.PathEscape(orderID), map[string]float64{"price": price})
	if err != nil {
		return broker.Order{}, rejection("replace", orderID, err)
	}
	o := broker.ParseOrder(raw)
	if o.ID == "" {
		o.ID = orderID
	}
	if o.Price == 0 {
		o.Price = price
	}
	return o, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (broker.Order, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return broker.Order{}, err
	}
	o := broker.ParseOrder(raw)
	if o.ID == "" {
		o.ID = orderID
	}
	return o, nil
}

func (c *Client) GetOptionChain(ctx context.Context, underlying string, expiry time.Time) ([]types.OptionInstrument, error) {
	day := expiry.Format("2006-01-02")
	path := fmt.Sprintf("/chains/%s?expiration=%s", url.PathEscape(strings.ToUpper(underlying)), day)
	raw, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &types.ChainFetchFailure{Underlying: underlying, Expiry: day, Err: err}
	}
	chain := broker.ParseChain(raw, strings.ToUpper(underlying))
	for i := range chain {
		if chain[i].Expiration.IsZero() {
			chain[i].Expiration = expiry
		}
	}
	return chain, nil
}

func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]types.Quote, error) {
	if len(symbols) == 0 {
		return map[string]types.Quote{}, nil
	}
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	raw, err := c.doRequest(ctx, http.MethodGet, "/quotes?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return broker.ParseQuotes(raw), nil
}

// parseSubmitted 解析下单响应，缺失字段回填请求中的值。
func parseSubmitted(raw []byte, req broker.OrderRequest) broker.Order {
	o := broker.ParseOrder(raw)
	if o.ClientOrderID == "" {
		o.ClientOrderID = req.ClientOrderID
	}
	if o.Type == "" {
		o.Type = req.Type
	}
	if o.Side == "" {
		o.Side = req.Side
	}
	if o.Price == 0 {
		o.Price = req.Price
	}
	if o.StopPrice == 0 {
		o.StopPrice = req.StopPrice
	}
	if len(o.Legs) == 0 {
		o.Legs = append([]broker.Leg(nil), req.Legs...)
	}
	if o.Status == broker.StatusUnknown {
		o.Status = broker.StatusReceived
	}
	return o
}

// rejection 4xx 为券商拒绝（不可重试），其余网络/5xx/熔断错误视为暂时性失败。
func rejection(action, orderID string, err error) error {
	rej := &types.OrderRejection{OrderID: orderID, Action: action, Transient: true, Err: err}
	var he *httpError
	if errors.As(err, &he) && he.clientError() {
		rej.Transient = false
		rej.Err = nil
		rej.Reason = he.Body
		if rej.Reason == "" {
			rej.Reason = http.StatusText(he.Status)
		}
	}
	return rej
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("broker client 未初始化")
	}
	var out []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		data, err := c.send(ctx, method, path, payload)
		out = data
		return err
	})
	if errors.Is(err, circuit.ErrOpen) {
		logger.Warnf("broker: 熔断打开，跳过 %s %s", method, path)
	}
	return out, err
}

func (c *Client) send(ctx context.Context, method, path string, payload any) ([]byte, error) {
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 broker 失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("读取 broker 响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		if len(data) > 4096 {
			data = data[:4096]
		}
		return nil, &httpError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *Client) resolveEndpoint(path string) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("broker API 地址未设置")
	}
	trimmed := strings.TrimSpace(path)
	query := ""
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		query = trimmed[idx+1:]
		trimmed = trimmed[:idx]
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = query
	base.Fragment = ""
	return &base, nil
}
