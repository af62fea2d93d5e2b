// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// DefaultItemTTL は届出の有効期間のデフォルト値（30日）。
const DefaultItemTTL = 30 * 24 * time.Hour

// SystemActor はシステム起因の状態変更（期限切れスイープ等）の記録者名。
const SystemActor = "system"

// APIActor は記録者名の指定がないAPI経由の状態変更の記録者名。
const APIActor = "api"

// Category は届出物品のカテゴリを表す。
type Category string

const (
	CategoryBag         Category = "bag"
	CategoryPhone       Category = "phone"
	CategoryJewelry     Category = "jewelry"
	CategoryDocuments   Category = "documents"
	CategoryClothing    Category = "clothing"
	CategoryElectronics Category = "electronics"
	CategoryOther       Category = "other"
)

// categoryWeights はカテゴリごとの優先度重み。
var categoryWeights = map[Category]int{
	CategoryDocuments:   4,
	CategoryPhone:       3,
	CategoryJewelry:     3,
	CategoryElectronics: 2,
	CategoryBag:         2,
	CategoryClothing:    1,
	CategoryOther:       1,
}

// Valid はカテゴリが定義済みの値かを返す。
func (c Category) Valid() bool {
	_, ok := categoryWeights[c]
	return ok
}

// Weight はカテゴリの優先度重みを返す。未定義のカテゴリは1として扱う。
func (c Category) Weight() int {
	if w, ok := categoryWeights[c]; ok {
		return w
	}
	return 1
}

// ReporterRole は届出者の役割を表す。
type ReporterRole string

const (
	// ReporterPilgrim は巡礼者。主に紛失物を届け出る。
	ReporterPilgrim ReporterRole = "pilgrim"
	// ReporterVolunteer はボランティア。主に拾得物を届け出る。
	ReporterVolunteer ReporterRole = "volunteer"
	// ReporterAdmin は管理者。主に拾得物を届け出る。
	ReporterAdmin ReporterRole = "admin"
)

// Valid は役割が定義済みの値かを返す。
func (r ReporterRole) Valid() bool {
	switch r {
	case ReporterPilgrim, ReporterVolunteer, ReporterAdmin:
		return true
	}
	return false
}

// Weight は役割の優先度重みを返す。
func (r ReporterRole) Weight() int {
	if r == ReporterVolunteer || r == ReporterAdmin {
		return 2
	}
	return 1
}

// Side は届出役割から紛失側か拾得側かを判定する。
func (r ReporterRole) Side() Side {
	if r == ReporterPilgrim {
		return SideLost
	}
	return SideFound
}

// Side は届出が紛失側か拾得側かを表す。
type Side string

const (
	SideLost  Side = "lost"
	SideFound Side = "found"
)

// Opposite は照合対象となる反対側を返す。空の場合は空を返す。
func (s Side) Opposite() Side {
	switch s {
	case SideLost:
		return SideFound
	case SideFound:
		return SideLost
	}
	return ""
}

// Valid はSideが定義済みの値かを返す。
func (s Side) Valid() bool {
	return s == SideLost || s == SideFound
}

// Item は紛失物または拾得物の届出を表す。
// JSONスナップショットとしてそのまま永続化される。
type Item struct {
	ID              string               `json:"id"`
	Category        Category             `json:"category"`
	Description     string               `json:"description"`
	Location        string               `json:"location"`
	ReporterRole    ReporterRole         `json:"reporterRole"`
	ReportedBy      string               `json:"reportedBy,omitempty"`
	ContactName     string               `json:"contactName,omitempty"`
	ContactPhone    string               `json:"contactPhone,omitempty"`
	Status          Status               `json:"status"`
	StatusHistory   []StatusHistoryEntry `json:"statusHistory"`
	Photos          []string             `json:"photos"`
	PhotoHashes     map[string]string    `json:"photoHashes,omitempty"` // 写真URL -> 平均ハッシュ（16進）
	Tags            []string             `json:"tags"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
	ExpiresAt       time.Time            `json:"expiresAt"`
	ClaimedAt       *time.Time           `json:"claimedAt,omitempty"`
	ReturnedAt      *time.Time           `json:"returnedAt,omitempty"`
	Priority        int                  `json:"priority"`
	MatchConfidence *int                 `json:"matchConfidence"`
}

// StatusHistoryEntry は状態変更履歴の1エントリ。追記のみで書き換えない。
type StatusHistoryEntry struct {
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	UpdatedBy      string    `json:"updatedBy"`
	PreviousStatus Status    `json:"previousStatus,omitempty"`
}

// ComputePriority はカテゴリ重みと届出者重みから優先度を算出する。
func ComputePriority(c Category, r ReporterRole) int {
	return c.Weight() * r.Weight()
}

// Side は届出者の役割から届出の側を返す。
func (i *Item) Side() Side {
	return i.ReporterRole.Side()
}

// IsExpired は現在時刻がexpiresAtを過ぎているかを返す。statusとは独立に判定する。
func (i *Item) IsExpired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Derive は作成時に一度だけ算出する派生フィールドを設定する。
// createdAtが未設定の場合はnowを使用する。既に値を持つフィールドは上書きしない。
// スナップショットからの復元時にも同じ規則で呼び出される。
func (i *Item) Derive(now time.Time, ttl time.Duration) {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = i.CreatedAt
	}
	if i.ExpiresAt.IsZero() {
		i.ExpiresAt = i.CreatedAt.Add(ttl)
	}
	if i.Status == "" {
		i.Status = StatusActive
	}
	if len(i.StatusHistory) == 0 {
		actor := i.ReportedBy
		if actor == "" {
			actor = string(i.ReporterRole)
		}
		i.StatusHistory = []StatusHistoryEntry{{
			Status:    i.Status,
			Timestamp: i.CreatedAt,
			UpdatedBy: actor,
		}}
	}
	if i.Photos == nil {
		i.Photos = []string{}
	}
	if i.Tags == nil {
		i.Tags = []string{}
	}
	i.Priority = ComputePriority(i.Category, i.ReporterRole)
}

// PhotoSet は画像類似度の計算に使う写真参照の集合を返す。
func (i *Item) PhotoSet() PhotoSet {
	return PhotoSet{URLs: i.Photos, Hashes: i.PhotoHashes}
}

// Clone はスライス・マップ・ポインタを含めたディープコピーを返す。
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	c.StatusHistory = append([]StatusHistoryEntry(nil), i.StatusHistory...)
	c.Photos = append([]string{}, i.Photos...)
	c.Tags = append([]string{}, i.Tags...)
	if i.PhotoHashes != nil {
		c.PhotoHashes = make(map[string]string, len(i.PhotoHashes))
		for k, v := range i.PhotoHashes {
			c.PhotoHashes[k] = v
		}
	}
	c.ClaimedAt = cloneTime(i.ClaimedAt)
	c.ReturnedAt = cloneTime(i.ReturnedAt)
	if i.MatchConfidence != nil {
		v := *i.MatchConfidence
		c.MatchConfidence = &v
	}
	return &c
}

// MatchesSearch は説明・場所・カテゴリ・タグに対する大文字小文字を区別しない部分一致を判定する。
func (i *Item) MatchesSearch(search string) bool {
	q := strings.ToLower(strings.TrimSpace(search))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(i.Description), q) ||
		strings.Contains(strings.ToLower(i.Location), q) ||
		strings.Contains(strings.ToLower(string(i.Category)), q) {
		return true
	}
	for _, tag := range i.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ItemFilter は届出一覧の絞り込み条件。ゼロ値のフィールドは条件に含めない。
type ItemFilter struct {
	Status       Status
	Category     Category
	ReporterRole ReporterRole
	Side         Side
	Search       string
	Expired      *bool
	ExcludeID    string
}

// Match はフィルタ条件に一致するかを判定する。
func (f ItemFilter) Match(item *Item, now time.Time) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.Category != "" && item.Category != f.Category {
		return false
	}
	if f.ReporterRole != "" && item.ReporterRole != f.ReporterRole {
		return false
	}
	if f.Side != "" && item.Side() != f.Side {
		return false
	}
	if f.ExcludeID != "" && item.ID == f.ExcludeID {
		return false
	}
	if f.Expired != nil && item.IsExpired(now) != *f.Expired {
		return false
	}
	return item.MatchesSearch(f.Search)
}

// ItemPatch は届出の部分更新内容。nilのフィールドは変更しない。
// Statusは直接書き込まず、状態遷移ルールを経由して適用される。
type ItemPatch struct {
	Description  *string
	Location     *string
	ContactName  *string
	ContactPhone *string
	Photos       *[]string
	PhotoHashes  map[string]string
	Tags         *[]string
	Status       *Status
	UpdatedBy    string
}

// Empty はパッチに変更内容が含まれないかを返す。
func (p ItemPatch) Empty() bool {
	return p.Description == nil && p.Location == nil &&
		p.ContactName == nil && p.ContactPhone == nil &&
		p.Photos == nil && p.Tags == nil && p.Status == nil
}
