package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/slotsniper/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, mod ...func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	o := Options{
		BaseURL:   srv.URL,
		Token:     "tok",
		Cookie:    "JSESSIONID=abc",
		ShopNum:   "1001",
		CardIndex: "7",
		CardStID:  "289",
		Timeout:   2 * time.Second,
	}
	for _, m := range mod {
		m(&o)
	}
	return New(o)
}

const placeList = `[
 {"projectName":{"shortname":"ymq5"},"projectInfo":[{"starttime":"21:00","state":4},{"starttime":"20:00","state":"1"}]},
 {"projectName":{"shortname":"mdb15"},"projectInfo":[{"starttime":"21:00","state":6}]}
]`

func TestFetchState_DecodesPlaceList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, statePath, r.URL.Path)
		assert.Equal(t, "2026-01-18", r.URL.Query().Get("dateymd"))
		assert.Equal(t, "ymq", r.URL.Query().Get("shortName"))
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		assert.Equal(t, "JSESSIONID=abc", r.Header.Get("Cookie"))
		_, _ = io.WriteString(w, `{"msg":"success","data":`+placeList+`}`)
	})

	m, err := c.FetchState(context.Background(), "2026-01-18")
	require.NoError(t, err)
	code, ok := m.Code("5", "21:00")
	require.True(t, ok)
	assert.Equal(t, 4, code)
	code, _ = m.Code("5", "20:00")
	assert.Equal(t, 1, code)
	code, _ = m.Code("15", "21:00")
	assert.Equal(t, 6, code)
	assert.False(t, m.ObservedAt.IsZero())
}

func TestFetchState_DataAsEncodedStringWithPlaceArray(t *testing.T) {
	inner, err := json.Marshal(`{"times":["21:00"],"placeArray":` + placeList + `}`)
	require.NoError(t, err)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"msg":"success","data":`+string(inner)+`}`)
	})

	m, err := c.FetchState(context.Background(), "2026-01-18")
	require.NoError(t, err)
	assert.Len(t, m.Codes, 2)
}

func TestFetchState_ErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   engine.Kind
	}{
		{"minus one", 200, `-1`, engine.KindSession},
		{"quoted minus one", 200, `"-1"`, engine.KindSession},
		{"login message", 200, `{"msg":"登录已失效"}`, engine.KindSession},
		{"unauthorized", 401, ``, engine.KindSession},
		{"html error page", 200, `<html>502 Bad Gateway</html>`, engine.KindTransient},
		{"gateway", 502, `bad gateway`, engine.KindTransient},
		{"other message", 200, `{"msg":"系统繁忙"}`, engine.KindTransient},
		{"no place list", 200, `{"msg":"success","data":{"times":[]}}`, engine.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := c.FetchState(context.Background(), "2026-01-18")
			require.Error(t, err)
			assert.Equal(t, tc.kind, engine.KindOf(err))
		})
	}
}

func TestFetchState_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(Options{BaseURL: srv.URL, Timeout: time.Second})

	_, err := c.FetchState(context.Background(), "2026-01-18")
	require.Error(t, err)
	assert.Equal(t, engine.KindTransient, engine.KindOf(err))
}

func TestFetchState_CanceledCallerDoesNotFailSharedPoll(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, `{"msg":"success","data":`+placeList+`}`)
	})

	actx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(30*time.Millisecond, cancel)
	aerr := make(chan error, 1)
	go func() {
		_, err := c.FetchState(actx, "2026-01-18")
		aerr <- err
	}()
	// let A start the shared request before B joins it
	time.Sleep(10 * time.Millisecond)

	m, err := c.FetchState(context.Background(), "2026-01-18")
	require.NoError(t, err)
	assert.Len(t, m.Codes, 2)
	assert.ErrorIs(t, <-aerr, context.Canceled)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchFreshState_DoesNotJoinInFlightPoll(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = io.WriteString(w, `{"msg":"success","data":`+placeList+`}`)
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.FetchState(context.Background(), "2026-01-18")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := c.FetchFreshState(context.Background(), "2026-01-18")
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSubmit_BuildsReservationForm(t *testing.T) {
	var form url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, reservePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		var err error
		form, err = url.ParseQuery(string(b))
		require.NoError(t, err)
		_, _ = io.WriteString(w, `{"msg":"success","data":"ok"}`)
	})

	resp, err := c.Submit(context.Background(), "2026-01-18", []engine.Pair{
		{Unit: "9", Window: "13:00"},
		{Unit: "16", Window: "21:00"},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	assert.Equal(t, "tok", form.Get("token"))
	assert.Equal(t, "1001", form.Get("shopNum"))
	assert.Equal(t, "289", form.Get("cardStId"))
	assert.Equal(t, "7", form.Get("cardIndex"))
	assert.Equal(t, "180.00", form.Get("total"))
	assert.Equal(t, "180.00", form.Get("oldTotal"))
	assert.Equal(t, "羽毛球", form.Get("type"))

	var infos []fieldInfo
	require.NoError(t, json.Unmarshal([]byte(form.Get("fieldinfo")), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, fieldInfo{
		Day: "2026-01-18", OldMoney: 80, StartTime: "13:00", EndTime: "14:00",
		PlaceShortName: "ymq9", Name: "羽毛球9", StageTypeShortName: "ymq", NewMoney: 80,
	}, infos[0])
	assert.Equal(t, "mdb16", infos[1].PlaceShortName)
	assert.Equal(t, "木地板16", infos[1].Name)
	assert.Equal(t, 100, infos[1].NewMoney)
	assert.Equal(t, "22:00", infos[1].EndTime)
}

func TestSubmit_Responses(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		ok      bool
		msg     string
		errKind engine.Kind
	}{
		{name: "business rejection", status: 200, body: `{"msg":"fail","data":"该场地已被预订"}`, msg: "该场地已被预订"},
		{name: "message only", status: 200, body: `{"msg":"数据错误"}`, msg: "数据错误"},
		{name: "too fast", status: 200, body: `{"msg":"fail","data":"操作太快"}`, msg: "操作太快"},
		{name: "session", status: 200, body: `{"msg":"token失效"}`, errKind: engine.KindSession},
		{name: "gateway", status: 504, body: ``, errKind: engine.KindTransient},
		{name: "not json", status: 200, body: `<html/>`, errKind: engine.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			resp, err := c.Submit(context.Background(), "2026-01-18", []engine.Pair{{Unit: "6", Window: "21:00"}})
			if tc.errKind != engine.KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tc.errKind, engine.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ok, resp.OK)
			assert.Equal(t, tc.msg, resp.Message)
		})
	}
}

func TestFetchHoldings(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		_, _ = io.WriteString(w, `{"msg":"success","data":[
 {"day":"2026-01-18","startTime":"21:00","placeShortName":"ymq6","orderId":"A1"},
 {"day":"2026-01-19","startTime":"21:00","placeShortName":"ymq7","orderId":"A2"},
 {"day":"2026-01-18","startTime":"20:00:00","placeShortName":"mdb15","orderId":"A3"}
]}`)
	}, func(o *Options) { o.HoldingsPath = "/orders" })

	held, err := c.FetchHoldings(context.Background(), "2026-01-18")
	require.NoError(t, err)
	assert.Equal(t, []engine.HeldSlot{
		{Unit: "6", Window: "21:00", OrderID: "A1"},
		{Unit: "15", Window: "20:00", OrderID: "A3"},
	}, held)
}

func TestFetchHoldings_NotConfigured(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := c.FetchHoldings(context.Background(), "2026-01-18")
	require.ErrorIs(t, err, ErrNoHoldingsEndpoint)
	assert.Equal(t, engine.KindTransient, engine.KindOf(err))
}

func TestServerTime(t *testing.T) {
	want := time.Date(2026, 1, 17, 12, 0, 5, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", want.Format(http.TimeFormat))
	})
	got, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestRefreshCookie(t *testing.T) {
	var seen []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Cookie"))
		if r.URL.Path == indexPath {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "fresh"})
			return
		}
		_, _ = io.WriteString(w, `{"msg":"success","data":[]}`)
	})

	v, err := c.RefreshCookie(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "JSESSIONID=fresh", v)
	assert.Equal(t, v, c.Cookie())

	_, err = c.FetchState(context.Background(), "2026-01-18")
	require.NoError(t, err)
	assert.Equal(t, []string{"JSESSIONID=abc", "JSESSIONID=fresh"}, seen)
}

func TestUnitFromShortName(t *testing.T) {
	assert.Equal(t, engine.UnitID("10"), unitFromShortName("ymq10"))
	assert.Equal(t, engine.UnitID("17"), unitFromShortName("mdb17"))
	assert.Equal(t, engine.UnitID(""), unitFromShortName(""))
}
