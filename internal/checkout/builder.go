package checkout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rushorder/internal/domain"
)

const DefaultBaseURL = "https://mobile.yangkeduo.com"

const (
	DefaultRequestCount    = 10
	MaxRequestCount        = 20
	DefaultRequestInterval = 500 * time.Millisecond
	DefaultMaxRequestTime  = 5 * time.Second
	DefaultTimeout         = 15 * time.Second
)

// Burst holds the resolved parameters of one execution.
type Burst struct {
	MaxRequestCount int
	RequestInterval time.Duration
	MaxRequestTime  time.Duration
	Timeout         time.Duration
}

// Settings resolves the burst for account. Immediate runs always use a
// single slot regardless of the configured request count.
func Settings(account *domain.Account, immediate bool) Burst {
	s := account.Settings
	b := Burst{
		MaxRequestCount: s.RequestCount,
		RequestInterval: s.RequestInterval,
		MaxRequestTime:  s.MaxRequestTime,
		Timeout:         s.Timeout,
	}
	if b.MaxRequestCount <= 0 {
		b.MaxRequestCount = DefaultRequestCount
	}
	b.MaxRequestCount = min(b.MaxRequestCount, MaxRequestCount)
	if immediate {
		b.MaxRequestCount = 1
	}
	if b.RequestInterval <= 0 {
		b.RequestInterval = DefaultRequestInterval
	}
	if b.MaxRequestTime <= 0 {
		b.MaxRequestTime = DefaultMaxRequestTime
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultTimeout
	}
	return b
}

type Endpoint struct {
	Name string
	URL  string
}

type Goods struct {
	SkuID     int64  `json:"sku_id"`
	SkuNumber int    `json:"sku_number"`
	GoodsID   string `json:"goods_id"`
}

type OrderPayload struct {
	AddressID   string  `json:"address_id"`
	Goods       []Goods `json:"goods"`
	GroupID     string  `json:"group_id"`
	AntiContent string  `json:"anti_content"`
	PageID      string  `json:"page_id"`
	ActivityID  string  `json:"activity_id"`
}

// Builder turns an account and a task into request material. It has no
// side effects beyond reading the clock for the page id.
type Builder struct {
	baseURL string
	now     func() time.Time
}

func NewBuilder(baseURL string) *Builder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Builder{baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

func (b *Builder) Headers(account *domain.Account) http.Header {
	ua := account.UserAgent
	if ua == "" {
		ua = domain.DefaultUserAgent
	}
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Cookie", account.Cookie)
	h.Set("Referer", b.baseURL+"/")
	h.Set("Origin", b.baseURL)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	h.Set("Connection", "keep-alive")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
	h.Set("Content-Type", "application/json")
	if account.AntiContent != "" {
		h.Set("Anti-Content", account.AntiContent)
	}
	if account.PddUID != "" {
		h.Set("PDDUID", account.PddUID)
		h.Set("X-PDD-UID", account.PddUID)
	}
	return h
}

func (b *Builder) Payload(task *domain.Task, account *domain.Account) (OrderPayload, error) {
	sku, err := strconv.ParseInt(strings.TrimSpace(task.SkuID), 10, 64)
	if err != nil {
		return OrderPayload{}, fmt.Errorf("sku id %q: %w", task.SkuID, err)
	}
	qty := task.Quantity
	if qty <= 0 {
		qty = 1
	}
	groupID := account.DefaultGroupID
	if groupID == "" {
		groupID = domain.DefaultGroupID
	}
	activityID := account.DefaultActivityID
	if activityID == "" {
		activityID = domain.DefaultActivityID
	}
	return OrderPayload{
		AddressID:   account.DefaultAddressID,
		Goods:       []Goods{{SkuID: sku, SkuNumber: qty, GoodsID: task.GoodsID}},
		GroupID:     groupID,
		AntiContent: account.AntiContent,
		PageID:      b.pageID(),
		ActivityID:  activityID,
	}, nil
}

// Body is Payload encoded as JSON.
func (b *Builder) Body(task *domain.Task, account *domain.Account) ([]byte, error) {
	p, err := b.Payload(task, account)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Endpoints returns the two checkout paths raced for every slot.
func (b *Builder) Endpoints(account *domain.Account) []Endpoint {
	uid := url.QueryEscape(account.PddUID)
	return []Endpoint{
		{Name: "order_and_prepay", URL: b.baseURL + "/proxy/api/api/vancouver/order_and_prepay?pdduid=" + uid},
		{Name: "order", URL: b.baseURL + "/proxy/api/order?pdduid=" + uid},
	}
}

func (b *Builder) pageID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("10004_%d_%s", b.now().UnixMilli(), random)
}
