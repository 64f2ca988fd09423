package mevshare

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/flashbots/mev-share-client/metrics"
	"go.uber.org/zap"
)

const maxHistoryResponseSize = 32 << 20

// GetEventHistoryInfo returns the range and paging limits of the stored event history.
func (c *Client) GetEventHistoryInfo(ctx context.Context) (EventHistoryInfo, error) {
	var info EventHistoryInfo
	err := c.getJSON(ctx, "history/info", nil, &info)
	return info, err
}

// GetEventHistory returns past hints matching params.
func (c *Client) GetEventHistory(ctx context.Context, params EventHistoryParams) ([]EventHistory, error) {
	var history []EventHistory
	err := c.getJSON(ctx, "history", params.query(), &history)
	return history, err
}

func (p EventHistoryParams) query() url.Values {
	q := url.Values{}
	set := func(key string, v uint64) {
		if v != 0 {
			q.Set(key, strconv.FormatUint(v, 10))
		}
	}
	set("blockStart", p.BlockStart)
	set("blockEnd", p.BlockEnd)
	set("timestampStart", p.TimestampStart)
	set("timestampEnd", p.TimestampEnd)
	set("limit", p.Limit)
	set("offset", p.Offset)
	return q
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordRelayRequestDuration(path, time.Since(startAt).Milliseconds())
	}()

	u := c.network.HistoryURL() + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncRelayRequestErrors(path)
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHistoryResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		metrics.IncRelayRequestErrors(path)
		c.log.Debug("History request failed", zap.String("url", u), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %s: %d %s", ErrHistoryRequest, path, resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
