package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrPhotoURLRejected は取得してはならない写真URLを表す。
var ErrPhotoURLRejected = errors.New("写真URLは取得できません")

// maxPhotoRedirects は写真取得で追跡するリダイレクトの上限。
const maxPhotoRedirects = 3

// photoSchemes は写真URLとして受け付けるスキーム。
var photoSchemes = []string{"http", "https"}

// blockedPrefixes は写真取得で接続してはならないアドレス範囲。
// 169.254.169.254 のクラウドメタデータもリンクローカルに含まれる。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// blockedHostSuffixes は組織内でしか名前解決されないホスト名の接尾辞。
var blockedHostSuffixes = []string{".local", ".internal", ".localhost"}

// PhotoURLGuard は届出に添付された写真URLの取得先を公開ホストに限定する。
// CheckPhotoURLは取得前の静的な検査で、DNS解決後のアドレスはClientのDialerが検査する。
type PhotoURLGuard struct{}

// NewPhotoURLGuard はPhotoURLGuardを生成する。
func NewPhotoURLGuard() *PhotoURLGuard {
	return &PhotoURLGuard{}
}

// Client は写真取得用のHTTPクライアントを返す。
// 接続先はsafeurlのDialerで検査され、リダイレクト先もCheckPhotoURLを通す。
// 応答サイズの上限は呼び出し側で制限する。
func (g *PhotoURLGuard) Client(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(photoSchemes...).
		SetAllowedPorts(80, 443).
		SetCheckRedirect(g.checkRedirect).
		Build()

	return safeurl.Client(cfg).Client
}

func (g *PhotoURLGuard) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxPhotoRedirects {
		return fmt.Errorf("写真URLのリダイレクトが%d回を超えました", maxPhotoRedirects)
	}
	return g.CheckPhotoURL(req.URL.String())
}

// CheckPhotoURL は写真URLが取得してよい公開URLかを検査する。
// 拒否した場合はErrPhotoURLRejectedをラップしたエラーを返す。
func (g *PhotoURLGuard) CheckPhotoURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: URLが空です", ErrPhotoURLRejected)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPhotoURLRejected, err)
	}
	if !isPhotoScheme(parsed.Scheme) {
		return fmt.Errorf("%w: スキーム %q は使用できません", ErrPhotoURLRejected, parsed.Scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: 認証情報付きのURLは使用できません", ErrPhotoURLRejected)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: ホストがありません", ErrPhotoURLRejected)
	}
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		return fmt.Errorf("%w: ポート %s には接続できません", ErrPhotoURLRejected, port)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fmt.Errorf("%w: 内部アドレス %s には接続できません", ErrPhotoURLRejected, addr)
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("%w: ホスト %s には接続できません", ErrPhotoURLRejected, host)
	}
	return nil
}

func isPhotoScheme(scheme string) bool {
	for _, s := range photoSchemes {
		if strings.EqualFold(scheme, s) {
			return true
		}
	}
	return false
}

// isBlockedAddr はIPv4射影アドレスも元のIPv4として判定する。
func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	if lower == "localhost" {
		return true
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// IsRemoteURL は写真参照がhttp/httpsの絶対URLかを返す。
// アップロード済みファイルの相対パス等はハッシュ計算の対象外とする。
func IsRemoteURL(ref string) bool {
	parsed, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return isPhotoScheme(parsed.Scheme) && parsed.Host != ""
}
