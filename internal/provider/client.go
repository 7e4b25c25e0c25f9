// Package provider talks to the venue's booking backend.
//
// The backend exposes a per-date state poll (getPlaceInfoByShortName), a form
// encoded submit (reservationPlace) and, on some deployments, a holdings list.
// Errors are returned as *engine.Error so the run loop can decide what to do.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/slotsniper/internal/engine"
	"golang.org/x/sync/singleflight"
)

const (
	statePath   = "/easyserpClient/place/getPlaceInfoByShortName"
	reservePath = "/easyserpClient/place/reservationPlace"
	indexPath   = "/easyserp/index.html"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 NetType/WIFI MicroMessenger/7.0.20.1781(0x6700143B) WindowsWechat(0x63090a13)"
)

// ErrNoHoldingsEndpoint is returned by FetchHoldings when no holdings path is configured.
var ErrNoHoldingsEndpoint = errors.New("provider: holdings endpoint not configured")

type Options struct {
	BaseURL      string
	Token        string
	Cookie       string
	ShopNum      string
	CardIndex    string
	CardStID     string
	HoldingsPath string
	// Sport is the short name used in the state poll and the fieldinfo payload.
	Sport string
	// SportName is the display name sent as the order type.
	SportName  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements engine.Provider, engine.FreshStateFetcher and engine.ServerClock.
type Client struct {
	hc   *http.Client
	opts Options

	mu     sync.RWMutex
	cookie string

	// concurrent runs for the same date share one in-flight poll
	polls singleflight.Group
}

func New(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Sport == "" {
		o.Sport = "ymq"
	}
	if o.SportName == "" {
		o.SportName = "羽毛球"
	}
	if o.ShopNum == "" {
		o.ShopNum = "1001"
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	return &Client{hc: hc, opts: o, cookie: o.Cookie}
}

func (c *Client) Cookie() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookie
}

func (c *Client) setCookie(v string) {
	c.mu.Lock()
	c.cookie = v
	c.mu.Unlock()
}

type envelope struct {
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type place struct {
	ProjectName struct {
		ShortName string `json:"shortname"`
	} `json:"projectName"`
	ProjectInfo []struct {
		StartTime string  `json:"starttime"`
		State     flexInt `json:"state"`
	} `json:"projectInfo"`
}

// flexInt accepts both 1 and "1".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("state %s: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

// FetchState polls the per-date matrix. Callers asking for the same date
// while a poll is in flight share its result. The shared request is detached
// from any one caller's context and bounded by the client timeout; each
// caller still returns as soon as its own context is done.
func (c *Client) FetchState(ctx context.Context, date string) (engine.StateMatrix, error) {
	ch := c.polls.DoChan("state:"+date, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
		defer cancel()
		return c.fetchState(sctx, date)
	})
	select {
	case <-ctx.Done():
		return engine.StateMatrix{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return engine.StateMatrix{}, r.Err
		}
		return r.Val.(engine.StateMatrix), nil
	}
}

// FetchFreshState polls without joining an in-flight request, for reads that
// must observe a submit that just happened.
func (c *Client) FetchFreshState(ctx context.Context, date string) (engine.StateMatrix, error) {
	return c.fetchState(ctx, date)
}

func (c *Client) fetchState(ctx context.Context, date string) (engine.StateMatrix, error) {
	const op = "state"
	q := url.Values{}
	q.Set("shopNum", c.opts.ShopNum)
	q.Set("dateymd", date)
	q.Set("shortName", c.opts.Sport)
	q.Set("token", c.opts.Token)

	res, err := c.do(ctx, http.MethodGet, statePath, q, nil)
	if err != nil {
		return engine.StateMatrix{}, err
	}
	data, err := decodeEnvelope(op, res)
	if err != nil {
		return engine.StateMatrix{}, err
	}
	places, err := decodePlaces(data)
	if err != nil {
		return engine.StateMatrix{}, engine.TransientError(op, err)
	}

	m := engine.StateMatrix{Codes: map[engine.UnitID]map[engine.TimeWindow]int{}, ObservedAt: res.date}
	if m.ObservedAt.IsZero() {
		m.ObservedAt = time.Now()
	}
	for _, p := range places {
		unit := unitFromShortName(p.ProjectName.ShortName)
		if unit == "" {
			continue
		}
		for _, slot := range p.ProjectInfo {
			w, err := engine.ParseWindow(slot.StartTime)
			if err != nil {
				continue
			}
			m.Set(unit, w, int(slot.State))
		}
	}
	return m, nil
}

// decodePlaces handles data as a JSON string, a bare list, or {"placeArray": [...]}.
func decodePlaces(raw json.RawMessage) ([]place, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode data string: %w", err)
		}
		raw = json.RawMessage(s)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			PlaceArray []place `json:"placeArray"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode place map: %w", err)
		}
		if wrapped.PlaceArray == nil {
			return nil, errors.New("no place list in response")
		}
		return wrapped.PlaceArray, nil
	}
	var list []place
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode place list: %w", err)
	}
	return list, nil
}

type heldEntry struct {
	Day            string `json:"day"`
	StartTime      string `json:"startTime"`
	PlaceShortName string `json:"placeShortName"`
	OrderID        string `json:"orderId"`
}

// FetchHoldings lists the pairs the account holds on date.
func (c *Client) FetchHoldings(ctx context.Context, date string) ([]engine.HeldSlot, error) {
	const op = "holdings"
	if c.opts.HoldingsPath == "" {
		return nil, engine.TransientError(op, ErrNoHoldingsEndpoint)
	}
	q := url.Values{}
	q.Set("shopNum", c.opts.ShopNum)
	q.Set("dateymd", date)
	q.Set("token", c.opts.Token)

	res, err := c.do(ctx, http.MethodGet, c.opts.HoldingsPath, q, nil)
	if err != nil {
		return nil, err
	}
	data, err := decodeEnvelope(op, res)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, engine.TransientError(op, err)
		}
		data = json.RawMessage(s)
	}
	var entries []heldEntry
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, engine.TransientError(op, fmt.Errorf("decode holdings: %w", err))
		}
	}

	out := make([]engine.HeldSlot, 0, len(entries))
	for _, e := range entries {
		if e.Day != "" && e.Day != date {
			continue
		}
		unit := unitFromShortName(e.PlaceShortName)
		w, err := engine.ParseWindow(e.StartTime)
		if unit == "" || err != nil {
			continue
		}
		out = append(out, engine.HeldSlot{Unit: unit, Window: w, OrderID: e.OrderID})
	}
	return out, nil
}

type fieldInfo struct {
	Day                string `json:"day"`
	OldMoney           int    `json:"oldMoney"`
	StartTime          string `json:"startTime"`
	EndTime            string `json:"endTime"`
	PlaceShortName     string `json:"placeShortName"`
	Name               string `json:"name"`
	StageTypeShortName string `json:"stageTypeShortName"`
	NewMoney           int    `json:"newMoney"`
}

// Submit sends one reservationPlace order for every pair in the batch.
func (c *Client) Submit(ctx context.Context, date string, pairs []engine.Pair) (engine.SubmitResponse, error) {
	const op = "submit"
	body, err := c.reserveBody(date, pairs)
	if err != nil {
		return engine.SubmitResponse{}, &engine.Error{Kind: engine.KindBusiness, Op: op, Err: err}
	}
	res, err := c.do(ctx, http.MethodPost, reservePath, nil, []byte(body))
	if err != nil {
		return engine.SubmitResponse{}, err
	}
	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return engine.SubmitResponse{}, engine.SessionError(op, fmt.Sprintf("status %d", res.status))
	case res.status >= 500:
		return engine.SubmitResponse{}, engine.TransientError(op, fmt.Errorf("status %d", res.status))
	}
	if isMinusOne(res.body) {
		return engine.SubmitResponse{}, engine.SessionError(op, "session expired (-1), refresh token and cookie")
	}
	var env envelope
	if err := json.Unmarshal(res.body, &env); err != nil {
		return engine.SubmitResponse{}, engine.TransientError(op, fmt.Errorf("non-JSON response: %s", snippet(res.body)))
	}
	if env.Msg == "success" {
		return engine.SubmitResponse{OK: true, Message: env.Msg}, nil
	}
	msg := failMessage(env, res.body)
	if isSessionMessage(msg) {
		return engine.SubmitResponse{}, engine.SessionError(op, msg)
	}
	return engine.SubmitResponse{OK: false, Message: msg}, nil
}

func (c *Client) reserveBody(date string, pairs []engine.Pair) (string, error) {
	infos := make([]fieldInfo, 0, len(pairs))
	total := 0
	for _, p := range pairs {
		start, err := time.Parse("15:04", string(p.Window))
		if err != nil {
			return "", fmt.Errorf("window %q: %w", p.Window, err)
		}
		price := slotPrice(start)
		short, name := c.placeNames(p.Unit)
		infos = append(infos, fieldInfo{
			Day:                date,
			OldMoney:           price,
			StartTime:          start.Format("15:04"),
			EndTime:            start.Add(time.Hour).Format("15:04"),
			PlaceShortName:     short,
			Name:               name,
			StageTypeShortName: c.opts.Sport,
			NewMoney:           price,
		})
		total += price
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(infos); err != nil {
		return "", err
	}
	info := strings.TrimSpace(buf.String())

	// field order matters to the backend, so the body is assembled by hand
	parts := []string{
		"token=" + url.QueryEscape(c.opts.Token),
		"shopNum=" + url.QueryEscape(c.opts.ShopNum),
		"fieldinfo=" + url.QueryEscape(info),
		"cardStId=" + url.QueryEscape(c.opts.CardStID),
		fmt.Sprintf("oldTotal=%d.00", total),
		"cardPayType=0",
		"type=" + url.QueryEscape(c.opts.SportName),
		"offerId=",
		"offerType=",
		fmt.Sprintf("total=%d.00", total),
		"premerother=",
		"cardIndex=" + url.QueryEscape(c.opts.CardIndex),
	}
	return strings.Join(parts, "&"), nil
}

// slotPrice is 80 for slots starting before 14:00 and 100 after.
func slotPrice(start time.Time) int {
	if start.Hour() < 14 {
		return 80
	}
	return 100
}

// placeNames maps a unit to its short and display names; units 15 and up are
// the wooden-floor courts.
func (c *Client) placeNames(u engine.UnitID) (string, string) {
	if n, err := strconv.Atoi(string(u)); err == nil && n >= 15 {
		return "mdb" + string(u), "木地板" + string(u)
	}
	return c.opts.Sport + string(u), c.opts.SportName + string(u)
}

func unitFromShortName(s string) engine.UnitID {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"mdb", "ymq"} {
		s = strings.TrimPrefix(s, prefix)
	}
	return engine.UnitID(s)
}

// ServerTime reads the backend's clock from the Date header of the landing page.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	res, err := c.do(ctx, http.MethodHead, indexPath, nil, nil)
	if err != nil {
		return time.Time{}, err
	}
	if res.date.IsZero() {
		return time.Time{}, errors.New("provider: no Date header")
	}
	return res.date, nil
}

// Ping polls today's state and reports whether the session is still usable.
func (c *Client) Ping(ctx context.Context, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	_, err := c.fetchState(ctx, time.Now().In(loc).Format("2006-01-02"))
	return err
}

// RefreshCookie fetches a fresh JSESSIONID from the landing page and uses it
// for later requests.
func (c *Client) RefreshCookie(ctx context.Context) (string, error) {
	res, err := c.do(ctx, http.MethodGet, indexPath, nil, nil)
	if err != nil {
		return "", err
	}
	for _, ck := range res.cookies {
		if ck.Name == "JSESSIONID" && ck.Value != "" {
			v := "JSESSIONID=" + ck.Value
			c.setCookie(v)
			return v, nil
		}
	}
	return "", errors.New("provider: no JSESSIONID in response")
}

func decodeEnvelope(op string, res response) (json.RawMessage, error) {
	if res.status == http.StatusUnauthorized || res.status == http.StatusForbidden {
		return nil, engine.SessionError(op, fmt.Sprintf("status %d", res.status))
	}
	if res.status >= 400 {
		return nil, engine.TransientError(op, fmt.Errorf("status %d", res.status))
	}
	if isMinusOne(res.body) {
		return nil, engine.SessionError(op, "session expired (-1), refresh token and cookie")
	}
	var env envelope
	if err := json.Unmarshal(res.body, &env); err != nil {
		return nil, engine.TransientError(op, fmt.Errorf("non-JSON response: %s", snippet(res.body)))
	}
	if env.Msg != "success" {
		msg := failMessage(env, res.body)
		if isSessionMessage(msg) {
			return nil, engine.SessionError(op, msg)
		}
		return nil, engine.TransientError(op, errors.New(msg))
	}
	return env.Data, nil
}

func failMessage(env envelope, body []byte) string {
	var s string
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &s) == nil && s != "" {
		return s
	}
	if env.Msg != "" {
		return env.Msg
	}
	return snippet(body)
}

func isMinusOne(body []byte) bool {
	s := strings.Trim(strings.TrimSpace(string(body)), `"`)
	return s == "-1"
}

var sessionKeywords = []string{"token", "登录", "session", "失效", "凭证"}

func isSessionMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, k := range sessionKeywords {
		if strings.Contains(m, k) {
			return true
		}
	}
	return false
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if r := []rune(s); len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return s
}

type response struct {
	status  int
	body    []byte
	date    time.Time
	cookies []*http.Cookie
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (response, error) {
	op := strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return response{}, fmt.Errorf("provider: build request: %w", err)
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", c.opts.BaseURL)
	req.Header.Set("Referer", c.opts.BaseURL+indexPath)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if ck := c.Cookie(); ck != "" {
		req.Header.Set("Cookie", ck)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return response{}, ctx.Err()
		}
		return response{}, engine.TransientError(op, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return response{}, engine.TransientError(op, err)
	}
	out := response{status: res.StatusCode, body: b, cookies: res.Cookies()}
	if d := res.Header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			out.date = t
		}
	}
	return out, nil
}
