package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"hyakume/internal/session"
	"hyakume/internal/storage"
	"hyakume/internal/token"
)

// ErrNoTargets は対象デバイスが解決できない場合のエラー
var ErrNoTargets = errors.New("対象デバイスがありません")

// TargetSource はデフォルトの対象デバイスセットの供給元
// 通常はデバイス台帳が実装する
type TargetSource interface {
	KnownDevices() []string
}

// Request は撮影トリガーの要求
type Request struct {
	SessionID string           // 任意。空の場合は時刻から生成する
	Targets   []string         // 任意。空の場合は既知の全デバイスが対象
	Delay     time.Duration    // 撮影予定時刻までの遅延。最小遅延を下回る場合は切り上げ
	Metadata  session.Metadata // そのまま保持される記述的メタデータ
}

// Result は撮影トリガーの結果
type Result struct {
	SessionID string
	CaptureAt time.Time
	Targets   []string
}

// sessionMeta は session.json に書き出す内容
type sessionMeta struct {
	SessionID       string   `json:"session_id"`
	CreatedUTC      string   `json:"created_utc"`
	PatientID       string   `json:"patient_id"`
	WoundLocation   string   `json:"wound_location"`
	Operator        string   `json:"operator"`
	Notes           string   `json:"notes"`
	TargetedCameras []string `json:"targeted_cameras"`
	CaptureAtMS     int64    `json:"capture_at_ms"`
}

// Dispatcher は撮影トリガーの調整役
type Dispatcher struct {
	targets    TargetSource
	store      *session.Store
	authority  *token.Authority
	layout     *storage.Layout
	transports []Transport

	floorDelay   time.Duration // コマンド到達を保証する最小遅延
	defaultDelay time.Duration
	tokenTTL     time.Duration

	now func() time.Time // テストで差し替え可能な時計
}

// NewDispatcher は新しいDispatcherを作成する
func NewDispatcher(
	targets TargetSource,
	store *session.Store,
	authority *token.Authority,
	layout *storage.Layout,
	transports []Transport,
	floorDelay, defaultDelay, tokenTTL time.Duration,
) *Dispatcher {
	return &Dispatcher{
		targets:      targets,
		store:        store,
		authority:    authority,
		layout:       layout,
		transports:   transports,
		floorDelay:   floorDelay,
		defaultDelay: defaultDelay,
		tokenTTL:     tokenTTL,
		now:          time.Now,
	}
}

// StartSession はセッションを作成し、撮影コマンドを配信する
// ゲートに失敗した場合はセッションを作成しない
// 個別デバイスへの配信失敗はログに記録してスキップし、呼び出し自体は成功する
func (d *Dispatcher) StartSession(ctx context.Context, req Request) (Result, error) {
	now := d.now()

	// 対象セットの解決: 明示指定があればそれを、なければ既知の全デバイス
	targets := req.Targets
	if len(targets) == 0 {
		targets = d.targets.KnownDevices()
	}
	if len(targets) == 0 {
		return Result{}, ErrNoTargets
	}

	// 撮影予定時刻の計算: 最小遅延を下回らない
	delay := req.Delay
	if delay <= 0 {
		delay = d.defaultDelay
	}
	if delay < d.floorDelay {
		delay = d.floorDelay
	}
	captureAt := now.Add(delay)

	// セッションIDの決定: 指定がなければ時刻から生成
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "session_" + now.UTC().Format("20060102T150405")
	}

	meta := req.Metadata
	if meta.PatientID == "" {
		meta.PatientID = "temp"
	}
	if meta.WoundLocation == "" {
		meta.WoundLocation = "unspecified"
	}

	// セッションの作成。ID衝突は上書きせず失敗させる
	if err := d.store.Create(sessionID, targets, meta, captureAt, now); err != nil {
		return Result{}, err
	}

	// session.json の書き込み。操作者のポーリングには影響しないため失敗しても続行する
	diskMeta := sessionMeta{
		SessionID:       sessionID,
		CreatedUTC:      now.UTC().Format(time.RFC3339),
		PatientID:       meta.PatientID,
		WoundLocation:   meta.WoundLocation,
		Operator:        meta.Operator,
		Notes:           meta.Notes,
		TargetedCameras: targets,
		CaptureAtMS:     captureAt.UnixMilli(),
	}
	if err := d.layout.WriteMetadata(sessionID, diskMeta); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("session.json の書き込みに失敗しました")
	}

	// デバイスごとにトークンを発行して全トランスポートへ配信する
	captureAtMS := captureAt.UnixMilli()
	for _, deviceID := range targets {
		tok, err := d.authority.Issue(sessionID, deviceID, d.tokenTTL)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Str("camera_id", deviceID).
				Msg("トークンの発行に失敗しました")
			continue
		}

		cmd := Command{
			SessionID:   sessionID,
			CaptureAtMS: captureAtMS,
			Token:       tok,
		}
		for _, tr := range d.transports {
			if err := tr.Deliver(ctx, deviceID, cmd); err != nil {
				// 個別配信の失敗は致命的ではない。未達は後のステータス照会で判明する
				log.Warn().Err(err).Str("transport", tr.Name()).Str("session_id", sessionID).
					Str("camera_id", deviceID).Msg("コマンドの配信に失敗しました")
			}
		}
	}

	// トークンなしの告知を全購読者へ送る
	broadcast := BroadcastCommand{
		SessionID:   sessionID,
		CaptureAtMS: captureAtMS,
		CameraIDs:   targets,
		DelayMS:     delay.Milliseconds(),
	}
	for _, tr := range d.transports {
		if err := tr.Broadcast(ctx, broadcast); err != nil {
			log.Warn().Err(err).Str("transport", tr.Name()).Str("session_id", sessionID).
				Msg("告知の配信に失敗しました")
		}
	}

	log.Info().Str("session_id", sessionID).Int("targets", len(targets)).
		Time("capture_at", captureAt).Msg("セッションを開始しました")

	return Result{
		SessionID: sessionID,
		CaptureAt: captureAt,
		Targets:   targets,
	}, nil
}
