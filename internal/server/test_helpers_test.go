package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/parcelpulse/backend/internal/accounts"
	"github.com/parcelpulse/backend/internal/auth"
	"github.com/parcelpulse/backend/internal/feed"
	"github.com/parcelpulse/backend/internal/notifications"
	"github.com/parcelpulse/backend/internal/orders"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDatabaseCounter int64

type sequentialIDProvider struct {
	next int64
}

func (p *sequentialIDProvider) NewID() (string, error) {
	return fmt.Sprintf("id-%d", atomic.AddInt64(&p.next, 1)), nil
}

type testServer struct {
	handler  http.Handler
	issuer   *auth.TokenIssuer
	accounts *accounts.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDatabaseCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(
		&orders.Order{},
		&orders.OrderChange{},
		&notifications.Notification{},
		&notifications.Counter{},
		&accounts.Profile{},
		&accounts.CourierStatus{},
		&feed.Session{},
	); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}

	idProvider := &sequentialIDProvider{}

	accountsService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("construct accounts service: %v", err)
	}

	ledger, err := notifications.NewLedger(notifications.LedgerConfig{
		Database:   db,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("construct ledger: %v", err)
	}

	notifier, err := notifications.NewNotifier(notifications.NotifierConfig{
		Ledger: ledger,
		Admins: accountsService,
	})
	if err != nil {
		t.Fatalf("construct notifier: %v", err)
	}

	dispatcher := NewUpdateDispatcher()

	orderService, err := orders.NewService(orders.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Sink:       orders.FanOutSink(notifier, accountsService, dispatcher),
	})
	if err != nil {
		t.Fatalf("construct order service: %v", err)
	}

	aggregator, err := feed.NewAggregator(orderService, ledger)
	if err != nil {
		t.Fatalf("construct aggregator: %v", err)
	}

	feedService, err := feed.NewService(feed.ServiceConfig{
		Database:   db,
		Aggregator: aggregator,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("construct feed service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "parcelpulse-auth",
		Audience:      "parcelpulse-api",
		TokenTTL:      time.Hour,
	})

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: issuer,
		Orders:         orderService,
		Notifications:  ledger,
		Feed:           feedService,
		Accounts:       accountsService,
		Dispatcher:     dispatcher,
	})
	if err != nil {
		t.Fatalf("construct handler: %v", err)
	}

	return &testServer{handler: handler, issuer: issuer, accounts: accountsService}
}

func (s *testServer) token(t *testing.T, subject, role string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), subject, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (s *testServer) request(t *testing.T, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func (s *testServer) createOrder(t *testing.T, customerToken string) orderPayload {
	t.Helper()
	recorder := s.request(t, http.MethodPost, "/orders", customerToken, map[string]interface{}{
		"pickup_address":   "12 Dock Street",
		"delivery_address": "9 Harbor Lane",
		"distance_km":      4,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create order returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload orderPayload
	decodeBody(t, recorder, &payload)
	return payload
}
