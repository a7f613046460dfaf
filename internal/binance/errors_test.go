package binance

import (
	"errors"
	"fmt"
	"testing"
)

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "dial tcp: i/o timeout" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network error", fakeNetErr{}, true},
		{"wrapped network error", fmt.Errorf("submit: %w", fakeNetErr{}), true},
		{"rate limited", &APIError{Code: -1003, HTTPStatus: 429, Message: "Too many requests"}, true},
		{"server error", &APIError{Code: -1000, HTTPStatus: 502, Message: "Unknown error"}, true},
		{"timestamp skew", &APIError{Code: -1021, HTTPStatus: 400, Message: "Timestamp outside recvWindow"}, true},
		{"duplicate client order id", &APIError{Code: -4116, HTTPStatus: 400, Message: "Duplicated clientOrderId"}, true},
		{"insufficient margin", &APIError{Code: -2019, HTTPStatus: 400, Message: "Margin is insufficient"}, false},
		{"bad filter", &APIError{Code: -1013, HTTPStatus: 400, Message: "Filter failure: LOT_SIZE"}, false},
		{"plain error", errors.New("something else"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
