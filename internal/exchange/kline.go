package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/regimebot/regimebot/internal/domain"
)

// KlineRow decodes one kline entry from the exchange. The API returns either
// tuple-shaped rows [openTime, open, high, low, close, volume, closeTime] or
// object-shaped rows with those field names, and numbers may arrive as
// strings. Both shapes normalize into the same struct.
type KlineRow struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// UnmarshalJSON accepts both the tuple and the object row shape.
func (k *KlineRow) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err == nil {
		if len(tuple) < 7 {
			return fmt.Errorf("kline tuple has %d fields, want 7", len(tuple))
		}
		fields := []struct {
			raw json.RawMessage
			i   *int64
			f   *float64
		}{
			{tuple[0], &k.OpenTime, nil},
			{tuple[1], nil, &k.Open},
			{tuple[2], nil, &k.High},
			{tuple[3], nil, &k.Low},
			{tuple[4], nil, &k.Close},
			{tuple[5], nil, &k.Volume},
			{tuple[6], &k.CloseTime, nil},
		}
		for idx, field := range fields {
			if field.i != nil {
				v, err := decodeInt(field.raw)
				if err != nil {
					return fmt.Errorf("kline tuple field %d: %w", idx, err)
				}
				*field.i = v
				continue
			}
			v, err := decodeFloat(field.raw)
			if err != nil {
				return fmt.Errorf("kline tuple field %d: %w", idx, err)
			}
			*field.f = v
		}
		return nil
	}

	var obj struct {
		OpenTime  json.RawMessage `json:"openTime"`
		Open      json.RawMessage `json:"open"`
		High      json.RawMessage `json:"high"`
		Low       json.RawMessage `json:"low"`
		Close     json.RawMessage `json:"close"`
		Volume    json.RawMessage `json:"volume"`
		CloseTime json.RawMessage `json:"closeTime"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("kline row is neither tuple nor object: %w", err)
	}

	var err error
	if k.OpenTime, err = decodeInt(obj.OpenTime); err != nil {
		return fmt.Errorf("kline openTime: %w", err)
	}
	if k.Open, err = decodeFloat(obj.Open); err != nil {
		return fmt.Errorf("kline open: %w", err)
	}
	if k.High, err = decodeFloat(obj.High); err != nil {
		return fmt.Errorf("kline high: %w", err)
	}
	if k.Low, err = decodeFloat(obj.Low); err != nil {
		return fmt.Errorf("kline low: %w", err)
	}
	if k.Close, err = decodeFloat(obj.Close); err != nil {
		return fmt.Errorf("kline close: %w", err)
	}
	if k.Volume, err = decodeFloat(obj.Volume); err != nil {
		return fmt.Errorf("kline volume: %w", err)
	}
	if k.CloseTime, err = decodeInt(obj.CloseTime); err != nil {
		return fmt.Errorf("kline closeTime: %w", err)
	}
	return nil
}

// Candle converts the row into a domain candle for the given pair.
func (k KlineRow) Candle(symbol, timeframe string) domain.Candle {
	return domain.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		CloseTime: k.CloseTime,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
	}
}

func decodeFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing value")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("value %s is neither number nor string", raw)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return f, nil
}

func decodeInt(raw json.RawMessage) (int64, error) {
	f, err := decodeFloat(raw)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
