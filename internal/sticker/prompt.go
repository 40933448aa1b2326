package sticker

import (
	"fmt"
	"strings"
)

const (
	borderedRequirement    = "3.  **格式一致性**：最终输出必须是方形图片，呈现为带有干净白色轮廓边框的贴纸样式。构图应聚焦于人物的胸像（头部和肩膀）。所有图片的尺寸、构图和贴纸边框样式必须保持一致。"
	transparentRequirement = "3.  **格式与背景**：最终输出必须是带有透明背景的贴纸样式，以便可以叠加在任何背景上。请确保人物主体周围没有白色或其他颜色的边框。构图应聚焦于人物的胸像（头部和肩膀）。"
)

// BackgroundRequirement returns the prompt fragment for bg. Anything other
// than transparent gets the bordered fragment.
func BackgroundRequirement(bg Background) string {
	if bg == BackgroundTransparent {
		return transparentRequirement
	}
	return borderedRequirement
}

func BuildPrompt(style string, bg Background, expression string) string {
	var b strings.Builder
	b.WriteString("任务：根据上传的图片，生成一张人物表情包贴纸。\n")
	b.WriteString("要求：\n")
	b.WriteString("1.  **人物一致性 (最高优先级)**：必须严格保持人物的核心特征与原图高度一致，特别是脸型、发型和五官。人物必须能被清晰地认出是同一个人，绝不能变成另一个人。\n")
	b.WriteString(fmt.Sprintf("2.  **风格一致性**：所有生成的图片必须严格、统一地采用“%s”风格。\n", style))
	b.WriteString(BackgroundRequirement(bg) + "\n")
	b.WriteString(fmt.Sprintf("4.  **表情**：这张贴纸的表情应为“%s”。\n", expression))
	b.WriteString("5.  **纯净输出**：图片中不能包含任何文字、字母或水印。")
	return b.String()
}
