package pyth

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// apiPrice is Hermes' fixed-point price: value = price * 10^expo.
type apiPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type apiParsedUpdate struct {
	ID       string   `json:"id"`
	Price    apiPrice `json:"price"`
	EMAPrice apiPrice `json:"ema_price"`
}

type apiUpdatesResponse struct {
	Parsed []apiParsedUpdate `json:"parsed"`
}

type apiFeed struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// PriceUpdate is one decoded Hermes price.
type PriceUpdate struct {
	FeedID      string
	Price       float64
	Confidence  float64
	PublishTime time.Time
}

// Feed describes a Hermes price feed.
type Feed struct {
	ID     string
	Symbol string
	Base   string
	Quote  string
}

func (u apiParsedUpdate) toUpdate() (PriceUpdate, error) {
	price, err := scaled(u.Price.Price, u.Price.Expo)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("feed %s price: %w", u.ID, err)
	}
	conf, err := scaled(u.Price.Conf, u.Price.Expo)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("feed %s conf: %w", u.ID, err)
	}
	return PriceUpdate{
		FeedID:      NormalizeID(u.ID),
		Price:       price,
		Confidence:  conf,
		PublishTime: time.Unix(u.Price.PublishTime, 0).UTC(),
	}, nil
}

func scaled(mantissa string, expo int32) (float64, error) {
	d, err := decimal.NewFromString(mantissa)
	if err != nil {
		return 0, err
	}
	f, _ := d.Shift(expo).Float64()
	return f, nil
}

// NormalizeID lower-cases a feed id and strips any 0x prefix, the form
// Hermes returns in responses.
func NormalizeID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}
