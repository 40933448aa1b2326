package sticker

import "strings"

// CustomSlots is the number of free-text expression inputs.
const CustomSlots = 6

type Style struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	PreviewImage string `json:"preview_image"`
}

type Background string

const (
	BackgroundBordered    Background = "bordered"
	BackgroundTransparent Background = "transparent"
)

type BackgroundOption struct {
	ID           Background `json:"id"`
	Name         string     `json:"name"`
	PreviewImage string     `json:"preview_image"`
}

var presetExpressions = []string{
	"开心",
	"大笑",
	"惊讶",
	"生气",
	"难过",
	"哭泣",
	"害羞",
	"疑惑",
	"无语",
	"得意",
	"委屈",
	"点赞",
}

var styles = []Style{
	{Name: "Q版卡通", Description: "大头小身的可爱卡通形象，线条圆润，色彩明快", PreviewImage: "/styles/chibi.svg"},
	{Name: "日系动漫", Description: "日本动画风格，清晰描线与赛璐璐上色", PreviewImage: "/styles/anime.svg"},
	{Name: "3D黏土", Description: "柔软黏土质感的三维造型，带有手作痕迹", PreviewImage: "/styles/clay.svg"},
	{Name: "像素风", Description: "复古游戏像素画，低分辨率方块质感", PreviewImage: "/styles/pixel.svg"},
	{Name: "水彩手绘", Description: "通透的水彩晕染与手绘笔触", PreviewImage: "/styles/watercolor.svg"},
	{Name: "美式漫画", Description: "粗黑描边、网点阴影的美漫风格", PreviewImage: "/styles/comic.svg"},
	{Name: "扁平插画", Description: "简洁几何色块的扁平化矢量插画", PreviewImage: "/styles/flat.svg"},
	{Name: "写实照片", Description: "保留真实照片质感，仅改变表情", PreviewImage: "/styles/photo.svg"},
}

var backgrounds = []BackgroundOption{
	{ID: BackgroundBordered, Name: "白色描边贴纸", PreviewImage: "/backgrounds/bordered.svg"},
	{ID: BackgroundTransparent, Name: "透明背景", PreviewImage: "/backgrounds/transparent.svg"},
}

func PresetExpressions() []string {
	return append([]string(nil), presetExpressions...)
}

func IsPresetExpression(expr string) bool {
	for _, p := range presetExpressions {
		if p == expr {
			return true
		}
	}
	return false
}

func Styles() []Style {
	return append([]Style(nil), styles...)
}

func DefaultStyle() string {
	return styles[0].Name
}

func LookupStyle(name string) (Style, bool) {
	name = strings.TrimSpace(name)
	for _, s := range styles {
		if s.Name == name {
			return s, true
		}
	}
	return Style{}, false
}

func Backgrounds() []BackgroundOption {
	return append([]BackgroundOption(nil), backgrounds...)
}

func DefaultBackground() Background {
	return backgrounds[0].ID
}

// ParseBackground accepts the catalog ids plus the legacy "white-border" id.
func ParseBackground(value string) (Background, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(BackgroundBordered), "white-border":
		return BackgroundBordered, true
	case string(BackgroundTransparent):
		return BackgroundTransparent, true
	}
	return "", false
}

func (b Background) Name() string {
	for _, o := range backgrounds {
		if o.ID == b {
			return o.Name
		}
	}
	return string(b)
}
