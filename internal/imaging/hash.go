// Package imaging は写真の知覚ハッシュ（平均ハッシュ）による画像類似度を提供する。
// ハッシュは届出時に計算して保存し、照合時にはネットワークアクセスを行わない。
package imaging

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"golang.org/x/image/draw"
)

// hashSize は平均ハッシュの縮小サイズ（8x8 = 64ビット）。
const hashSize = 8

// AverageHash は画像を8x8のグレースケールに縮小し、平均輝度以上の画素を1とする64ビットのハッシュを返す。
func AverageHash(img image.Image) uint64 {
	small := image.NewGray(image.Rect(0, 0, hashSize, hashSize))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var sum int
	for _, p := range small.Pix {
		sum += int(p)
	}
	mean := sum / len(small.Pix)

	var hash uint64
	for i, p := range small.Pix {
		if int(p) >= mean {
			hash |= 1 << uint(len(small.Pix)-1-i)
		}
	}
	return hash
}

// FormatHash はハッシュを16桁の16進文字列に変換する。
func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// ParseHash は16進文字列のハッシュを解析する。
func ParseHash(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid hash length: %d", len(s))
	}
	return strconv.ParseUint(s, 16, 64)
}

// Similarity は2つのハッシュの類似度を 1 - ハミング距離/64 で返す。
func Similarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}
