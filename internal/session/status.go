package session

import "sort"

// StatusInfo はセッションの照合結果
// received ∪ missing = targeted が常に成り立つ
type StatusInfo struct {
	SessionID string                  `json:"session_id"`
	Targeted  []string                `json:"targeted"`
	Received  []string                `json:"received"`
	Missing   []string                `json:"missing"`
	Uploads   map[string]UploadRecord `json:"uploads"`
}

// Status は現在の状態から targeted/received/missing を導出する
// 状態を持たない読み取り専用の射影であり、Snapshot の結果だけから計算できる
func (s *Store) Status(sessionID string) (StatusInfo, error) {
	targets, uploads, err := s.Snapshot(sessionID)
	if err != nil {
		return StatusInfo{}, err
	}

	// missing = targeted - received（集合差）
	// 対象外デバイスのアップロードは missing には現れず、uploads でのみ見える
	missing := make([]string, 0, len(targets))
	for _, id := range targets {
		if _, ok := uploads[id]; !ok {
			missing = append(missing, id)
		}
	}

	sort.Strings(targets)
	sort.Strings(missing)

	return StatusInfo{
		SessionID: sessionID,
		Targeted:  targets,
		Received:  sortedKeys(uploads),
		Missing:   missing,
		Uploads:   uploads,
	}, nil
}
