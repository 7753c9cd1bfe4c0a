package clients

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/solarctl/solarctl/controller/store"
)

// SignatureSeparator joins the signed fields of a FoxESS request. The API
// expects the two literal characters backslash-r backslash-n between
// fields, NOT the CR+LF bytes; sending real line breaks yields errno
// 40256 ("illegal signature") with no further diagnostics.
const SignatureSeparator = `\r\n`

const (
	foxPathRealTime     = "/op/v0/device/real/query"
	foxPathSchedulerGet = "/op/v1/device/scheduler/get"
	foxPathSchedulerSet = "/op/v1/device/scheduler/enable"
	foxPathSetFlag      = "/op/v0/device/scheduler/set/flag"
	foxPathSetting      = "/op/v0/device/setting/set"

	foxErrnoRateLimited      = 40402
	foxErrnoIllegalSignature = 40256
)

// FoxAccount carries the per-tenant credentials for inverter calls.
type FoxAccount struct {
	UID      string
	Token    string
	DeviceSN string
}

// RealTimeData is the telemetry snapshot the engine consumes. Fields the
// device did not report stay nil so the evaluator can answer no_data.
type RealTimeData struct {
	SoC          *float64 `json:"soc,omitempty"`
	BatteryTemp  *float64 `json:"batteryTemp,omitempty"`
	AmbientTemp  *float64 `json:"ambientTemp,omitempty"`
	InverterTemp *float64 `json:"inverterTemp,omitempty"`
	PVPowerW     *float64 `json:"pvPowerW,omitempty"`
	LoadPowerW   *float64 `json:"loadPowerW,omitempty"`
	GridImportW  *float64 `json:"gridImportW,omitempty"`
	FeedInW      *float64 `json:"feedInW,omitempty"`
	ExportLimitW *float64 `json:"exportLimitW,omitempty"`
}

// FoxESS is the inverter cloud client.
type FoxESS struct {
	base    string
	http    *http.Client
	applyHC *http.Client // scheduler writes get the longer deadline
	harness *Harness
	now     func() time.Time
}

// NewFoxESS creates the inverter client against the given base URL.
func NewFoxESS(base string, harness *Harness) *FoxESS {
	return &FoxESS{
		base:    base,
		http:    &http.Client{Timeout: 10 * time.Second},
		applyHC: &http.Client{Timeout: 30 * time.Second},
		harness: harness,
		now:     time.Now,
	}
}

// Sign computes the request signature for a path, token and millisecond
// timestamp. Exposed for the compatibility test pinning the exact hash.
func Sign(path, token string, timestampMs int64) string {
	payload := path + SignatureSeparator + token + SignatureSeparator + strconv.FormatInt(timestampMs, 10)
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

type foxEnvelope struct {
	Errno  int             `json:"errno"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

func (f *FoxESS) post(ctx context.Context, hc *http.Client, acct FoxAccount, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	ts := f.now().UnixMilli()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("token", acct.Token)
	req.Header.Set("timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("signature", Sign(path, acct.Token, ts))
	req.Header.Set("lang", "en")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Provider: ProviderFoxESS}
	}
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{
			Provider:   ProviderFoxESS,
			StatusCode: resp.StatusCode,
			Msg:        http.StatusText(resp.StatusCode),
			Temporary:  resp.StatusCode >= 500,
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env foxEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &ProviderError{Provider: ProviderFoxESS, StatusCode: resp.StatusCode, Msg: "malformed response", Temporary: true}
	}
	switch env.Errno {
	case 0:
	case foxErrnoRateLimited:
		return &RateLimitError{Provider: ProviderFoxESS}
	case foxErrnoIllegalSignature:
		return &ProviderError{Provider: ProviderFoxESS, Errno: env.Errno, Msg: "illegal signature", Temporary: false}
	default:
		return &ProviderError{Provider: ProviderFoxESS, Errno: env.Errno, Msg: env.Msg, Temporary: true}
	}
	if out != nil && len(env.Result) > 0 {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}

var realTimeVariables = []string{
	"SoC", "batTemperature", "ambientTemperation", "invTemperation",
	"pvPower", "loadsPower", "gridConsumptionPower", "feedinPower", "ExportLimit",
}

// RealTime fetches the live telemetry snapshot for the device.
func (f *FoxESS) RealTime(ctx context.Context, acct FoxAccount, opts CallOpts) (*RealTimeData, error) {
	type realDatum struct {
		Variable string  `json:"variable"`
		Value    float64 `json:"value"`
	}
	type deviceReal struct {
		DeviceSN string      `json:"deviceSN"`
		Datas    []realDatum `json:"datas"`
	}

	var result []deviceReal
	err := f.harness.Do(ctx, ProviderFoxESS, acct.UID, opts, func(ctx context.Context) error {
		body := map[string]any{"sn": acct.DeviceSN, "variables": realTimeVariables}
		result = nil
		return f.post(ctx, f.http, acct, foxPathRealTime, body, &result)
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &ProviderError{Provider: ProviderFoxESS, Msg: "device not in response", Temporary: true}
	}

	rt := &RealTimeData{}
	for _, d := range result[0].Datas {
		v := d.Value
		switch d.Variable {
		case "SoC":
			rt.SoC = &v
		case "batTemperature":
			rt.BatteryTemp = &v
		case "ambientTemperation":
			rt.AmbientTemp = &v
		case "invTemperation":
			rt.InverterTemp = &v
		case "pvPower":
			rt.PVPowerW = &v
		case "loadsPower":
			rt.LoadPowerW = &v
		case "gridConsumptionPower":
			rt.GridImportW = &v
		case "feedinPower":
			rt.FeedInW = &v
		case "ExportLimit":
			rt.ExportLimitW = &v
		}
	}
	return rt, nil
}

type foxSlot struct {
	Enable       int    `json:"enable"`
	WorkMode     string `json:"workMode"`
	StartHour    int    `json:"startHour"`
	StartMinute  int    `json:"startMinute"`
	EndHour      int    `json:"endHour"`
	EndMinute    int    `json:"endMinute"`
	MinSocOnGrid int    `json:"minSocOnGrid"`
	FdSoc        int    `json:"fdSoc"`
	FdPwr        int    `json:"fdPwr"`
	MaxSoc       int    `json:"maxSoc"`
}

func toFoxSlots(seg store.SchedulerSegments) []foxSlot {
	slots := make([]foxSlot, 0, len(seg.Slots))
	for _, s := range seg.Slots {
		slots = append(slots, foxSlot{
			Enable:       s.Enable,
			WorkMode:     string(s.WorkMode),
			StartHour:    s.StartHour,
			StartMinute:  s.StartMinute,
			EndHour:      s.EndHour,
			EndMinute:    s.EndMinute,
			MinSocOnGrid: s.MinSocOnGrid,
			FdSoc:        s.FdSoc,
			FdPwr:        s.FdPwr,
			MaxSoc:       s.MaxSoc,
		})
	}
	return slots
}

// GetScheduler reads the 8 slots plus the global enable flag.
func (f *FoxESS) GetScheduler(ctx context.Context, acct FoxAccount, opts CallOpts) (*store.SchedulerSegments, error) {
	type schedulerResult struct {
		Enable int       `json:"enable"`
		Groups []foxSlot `json:"groups"`
	}

	var result schedulerResult
	err := f.harness.Do(ctx, ProviderFoxESS, acct.UID, opts, func(ctx context.Context) error {
		result = schedulerResult{}
		return f.post(ctx, f.http, acct, foxPathSchedulerGet, map[string]any{"deviceSN": acct.DeviceSN}, &result)
	})
	if err != nil {
		return nil, err
	}

	seg := &store.SchedulerSegments{Enabled: result.Enable == 1}
	for _, g := range result.Groups {
		seg.Slots = append(seg.Slots, store.SchedulerSlot{
			Enable:       g.Enable,
			WorkMode:     store.WorkMode(g.WorkMode),
			StartHour:    g.StartHour,
			StartMinute:  g.StartMinute,
			EndHour:      g.EndHour,
			EndMinute:    g.EndMinute,
			MinSocOnGrid: g.MinSocOnGrid,
			FdSoc:        g.FdSoc,
			FdPwr:        g.FdPwr,
			MaxSoc:       g.MaxSoc,
		})
	}
	return seg, nil
}

// ApplyScheduler writes the full 8-slot group set.
func (f *FoxESS) ApplyScheduler(ctx context.Context, acct FoxAccount, seg store.SchedulerSegments, opts CallOpts) error {
	body := map[string]any{"deviceSN": acct.DeviceSN, "groups": toFoxSlots(seg)}
	return f.harness.Do(ctx, ProviderFoxESS, acct.UID, opts, func(ctx context.Context) error {
		return f.post(ctx, f.applyHC, acct, foxPathSchedulerSet, body, nil)
	})
}

// SetFlag toggles the scheduler's global enable flag.
func (f *FoxESS) SetFlag(ctx context.Context, acct FoxAccount, enabled bool, opts CallOpts) error {
	enable := 0
	if enabled {
		enable = 1
	}
	body := map[string]any{"deviceSN": acct.DeviceSN, "enable": enable}
	return f.harness.Do(ctx, ProviderFoxESS, acct.UID, opts, func(ctx context.Context) error {
		return f.post(ctx, f.http, acct, foxPathSetFlag, body, nil)
	})
}

// SetExportLimit caps grid export in watts. Zero blocks export entirely.
func (f *FoxESS) SetExportLimit(ctx context.Context, acct FoxAccount, watts int, opts CallOpts) error {
	body := map[string]any{
		"sn":    acct.DeviceSN,
		"key":   "ExportLimit",
		"value": fmt.Sprintf("%d", watts),
	}
	return f.harness.Do(ctx, ProviderFoxESS, acct.UID, opts, func(ctx context.Context) error {
		return f.post(ctx, f.http, acct, foxPathSetting, body, nil)
	})
}
