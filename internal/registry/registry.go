// Package registry は撮影ノード（カメラデバイス）の台帳を管理する
//
// # 責務
// - デバイスIDと最終接触時刻の記録
// - トリガー時のデフォルト対象セットの提供
// - 操作者向けの最終接触経過時間の提供
//
// # 仕様
// - エントリは登録またはハートビートで upsert される
// - 明示的な削除は行わず、件数上限を超えた場合のみ最も古いものを追い出す
// - 経過時間は表示専用であり、正しさの判断には使わない
// - Thread-safe な操作をサポート
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Device は登録済みデバイスの情報
type Device struct {
	ID          string    // デバイスの一意識別子 (例: cam01)
	Firmware    string    // ファームウェア情報（任意）
	LastContact time.Time // 最後に接触した時刻
}

// Registry はデバイス台帳のデフォルト実装
type Registry struct {
	devices map[string]*Device
	mu      sync.RWMutex

	maxDevices int
	now        func() time.Time // テストで差し替え可能な時計
}

// New は新しいRegistryを作成する
func New(maxDevices int) *Registry {
	return &Registry{
		devices:    make(map[string]*Device),
		maxDevices: maxDevices,
		now:        time.Now,
	}
}

// RecordContact はデバイスの最終接触時刻を更新する
// 未登録のデバイスはエントリを作成する。firmwareが空の場合は既存値を保持する
func (r *Registry) RecordContact(deviceID, firmware string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, exists := r.devices[deviceID]; exists {
		dev.LastContact = r.now()
		if firmware != "" {
			dev.Firmware = firmware
		}
		return
	}

	// 上限を超える場合は最も古いデバイスを追い出す
	if len(r.devices) >= r.maxDevices {
		r.evictOldest()
	}

	r.devices[deviceID] = &Device{
		ID:          deviceID,
		Firmware:    firmware,
		LastContact: r.now(),
	}
}

// KnownDevices は登録済みの全デバイスIDをソート済みで返す
// 操作者が対象を指定しない場合のトリガー対象として使われる
func (r *Registry) KnownDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// AgeOf は最終接触からの経過時間を返す
// 未登録のデバイスは ok=false を返す
func (r *Registry) AgeOf(deviceID string) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, exists := r.devices[deviceID]
	if !exists {
		return 0, false
	}

	return r.now().Sub(dev.LastContact), true
}

// List は登録済みデバイスの一覧をID順で返す
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, *dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return devices
}

// evictOldest は最終接触が最も古いデバイスを削除する（ロック済み前提）
func (r *Registry) evictOldest() {
	var oldestID string
	var oldest time.Time

	for id, dev := range r.devices {
		if oldestID == "" || dev.LastContact.Before(oldest) {
			oldestID = id
			oldest = dev.LastContact
		}
	}

	if oldestID != "" {
		delete(r.devices, oldestID)
		log.Warn().Str("camera_id", oldestID).Msg("デバイス保持上限に達したため最古のエントリを削除しました")
	}
}
