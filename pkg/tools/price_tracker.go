package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/pkg/httpclient"
)

// PriceWatch is one tracked product.
type PriceWatch struct {
	ID        string
	ContextID string
	URL       string
	Label     string
	Schedule  string
	LastPrice float64
}

// PriceWatchStore persists watches and is implemented by the job store.
type PriceWatchStore interface {
	CreatePriceWatch(ctx context.Context, contextID, url, label, schedule string) (string, error)
	ListPriceWatches(ctx context.Context, contextID string) ([]PriceWatch, error)
	DeletePriceWatch(ctx context.Context, contextID, id string) error
}

// PriceTrackerArgs is the argument shape for the price tracker tool.
type PriceTrackerArgs struct {
	Action   string `json:"action" jsonschema:"enum=check,enum=track,enum=list,enum=untrack,description=Operation to perform"`
	URL      string `json:"url,omitempty" jsonschema:"description=Product page URL for check and track"`
	Label    string `json:"label,omitempty" jsonschema:"description=Human readable name for the watch"`
	Schedule string `json:"schedule,omitempty" jsonschema:"description=Cron expression for recurring checks. Defaults to daily"`
	WatchID  string `json:"watch_id,omitempty" jsonschema:"description=Watch to remove for untrack"`
}

// PriceTrackerTool checks product prices on demand and registers
// recurring watches through the job store.
type PriceTrackerTool struct {
	store  PriceWatchStore
	client *httpclient.Client
}

func NewPriceTrackerTool(store PriceWatchStore) *PriceTrackerTool {
	return &PriceTrackerTool{
		store: store,
		client: httpclient.NewClient(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithRetryStrategy(httpclient.ConservativeRetry),
		),
	}
}

func (t *PriceTrackerTool) Name() string { return "price_tracker" }

func (t *PriceTrackerTool) Description() string {
	return "Check the current price of a product page, or track it on a schedule and get notified of changes."
}

func (t *PriceTrackerTool) Parameters() map[string]any {
	return ReflectSchema(&PriceTrackerArgs{})
}

func (t *PriceTrackerTool) ActivityHint() string {
	return "Checking price at {url}"
}

func (t *PriceTrackerTool) Run(ctx context.Context, args map[string]any, ambient Ambient) (string, error) {
	var parsed PriceTrackerArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return ErrorOutput(err.Error()), err
	}

	switch parsed.Action {
	case "check":
		return t.check(ctx, parsed.URL)
	case "track":
		return t.track(ctx, ambient.ContextID, parsed)
	case "list":
		return t.list(ctx, ambient.ContextID)
	case "untrack":
		return t.untrack(ctx, ambient.ContextID, parsed.WatchID)
	default:
		err := fmt.Errorf("unknown action %q, expected check, track, list or untrack", parsed.Action)
		return ErrorOutput(err.Error()), err
	}
}

func (t *PriceTrackerTool) check(ctx context.Context, url string) (string, error) {
	if url == "" {
		err := fmt.Errorf("url is required for check")
		return ErrorOutput(err.Error()), err
	}

	price, err := t.FetchPrice(ctx, url)
	if err != nil {
		return ErrorOutput(err.Error()), err
	}
	return fmt.Sprintf("Current price: %.2f", price), nil
}

func (t *PriceTrackerTool) track(ctx context.Context, contextID string, args PriceTrackerArgs) (string, error) {
	if t.store == nil {
		err := fmt.Errorf("price tracking is not configured")
		return ErrorOutput(err.Error()), err
	}
	if args.URL == "" {
		err := fmt.Errorf("url is required for track")
		return ErrorOutput(err.Error()), err
	}

	schedule := args.Schedule
	if schedule == "" {
		schedule = "0 9 * * *"
	}
	label := args.Label
	if label == "" {
		label = args.URL
	}

	id, err := t.store.CreatePriceWatch(ctx, contextID, args.URL, label, schedule)
	if err != nil {
		return ErrorOutput(fmt.Sprintf("could not create watch: %v", err)), err
	}
	return fmt.Sprintf("Now tracking %q (watch %s) on schedule %s.", label, id, schedule), nil
}

func (t *PriceTrackerTool) list(ctx context.Context, contextID string) (string, error) {
	if t.store == nil {
		err := fmt.Errorf("price tracking is not configured")
		return ErrorOutput(err.Error()), err
	}

	watches, err := t.store.ListPriceWatches(ctx, contextID)
	if err != nil {
		return ErrorOutput(fmt.Sprintf("could not list watches: %v", err)), err
	}
	if len(watches) == 0 {
		return "No active price watches.", nil
	}

	var sb strings.Builder
	for _, w := range watches {
		fmt.Fprintf(&sb, "- %s: %s (last %.2f, watch %s)\n", w.Label, w.URL, w.LastPrice, w.ID)
	}
	return sb.String(), nil
}

func (t *PriceTrackerTool) untrack(ctx context.Context, contextID, watchID string) (string, error) {
	if t.store == nil {
		err := fmt.Errorf("price tracking is not configured")
		return ErrorOutput(err.Error()), err
	}
	if watchID == "" {
		err := fmt.Errorf("watch_id is required for untrack")
		return ErrorOutput(err.Error()), err
	}
	if err := t.store.DeletePriceWatch(ctx, contextID, watchID); err != nil {
		return ErrorOutput(fmt.Sprintf("could not remove watch: %v", err)), err
	}
	return fmt.Sprintf("Stopped tracking watch %s.", watchID), nil
}

var priceRe = regexp.MustCompile(`(?:[$€£]\s?|(?:USD|EUR|GBP)\s)(\d{1,6}(?:[.,]\d{3})*(?:[.,]\d{2})?)`)

// FetchPrice downloads a product page and extracts the first price-like
// value. The scheduler's watch runner reuses this directly.
func (t *PriceTrackerTool) FetchPrice(ctx context.Context, url string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "kestrel/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes))
	if err != nil {
		return 0, fmt.Errorf("read failed: %w", err)
	}

	return ParsePrice(string(raw))
}

// ParsePrice extracts the first currency amount from page text.
func ParsePrice(text string) (float64, error) {
	match := priceRe.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("no price found on page")
	}

	num := match[1]
	// Normalize European separators: 1.234,56 becomes 1234.56.
	if strings.Contains(num, ",") && strings.Contains(num, ".") {
		if strings.LastIndex(num, ",") > strings.LastIndex(num, ".") {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.ReplaceAll(num, ",", ".")
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	} else if strings.Count(num, ",") == 1 && len(num)-strings.Index(num, ",") == 3 {
		num = strings.ReplaceAll(num, ",", ".")
	} else {
		num = strings.ReplaceAll(num, ",", "")
	}

	return strconv.ParseFloat(num, 64)
}
