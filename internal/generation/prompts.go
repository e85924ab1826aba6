package generation

import (
	"fmt"
	"strings"
)

const (
	defaultSystemInstruction  = "你是一名乐于助人的教师助手，请始终使用简体中文回复。"
	lessonSystemInstruction   = "你是一名经验丰富的一线教学顾问，请始终使用简体中文回复。"
	resourceSystemInstruction = "你是一名多媒体教学资源顾问，请始终使用简体中文回复。"
	practiceSystemInstruction = "你是一名严谨的命题教师，请始终使用简体中文回复。"
	analysisSystemInstruction = "你是一名善于诊断学情的教育顾问，请始终使用简体中文回复。"

	defaultBackground = "普通混合能力班级"
)

func lessonPrompt(r *LessonRequest) string {
	background := r.Background
	if background == "" {
		background = defaultBackground
	}
	var b strings.Builder
	b.WriteString("请为教师生成一份可直接用于课堂实施的教学设计方案。\n\n")
	b.WriteString("【基本信息】\n")
	fmt.Fprintf(&b, "- 学科与年级：%s\n", r.Subject)
	fmt.Fprintf(&b, "- 课题名称：%s\n", r.Topic)
	fmt.Fprintf(&b, "- 课时长度：%s\n", r.Duration)
	fmt.Fprintf(&b, "- 原始教学目标：%s\n", r.Objectives)
	fmt.Fprintf(&b, "- 学生基础情况：%s\n\n", background)
	b.WriteString("【输出要求】\n")
	b.WriteString("1. 开头以列表回显上述基本信息，包含原始教学目标。\n")
	b.WriteString("2. 在原始目标基础上展开三维目标。\n")
	b.WriteString("3. 给出完整教学流程：导入、新授、巩固、总结。\n")
	b.WriteString("4. 至少设计 3 个师生互动环节。\n")
	b.WriteString("5. 使用 Markdown 标题和列表排版。\n")
	return b.String()
}

func resourcePrompt(r *ResourceRequest) string {
	var b strings.Builder
	b.WriteString("请基于以下教学信息提供多媒体教学资源支持方案。\n\n")
	fmt.Fprintf(&b, "【教学主题】%s\n", r.Topic)
	fmt.Fprintf(&b, "【教学重点与难点】%s\n", r.KeyPoints)
	if r.AgeGroup != "" {
		fmt.Fprintf(&b, "【学段】%s\n", r.AgeGroup)
	}
	b.WriteString("\n请分两部分输出：A. 可信资源检索（附来源）；B. 可由 AI 生成的素材建议。\n")
	return b.String()
}

func practicePrompt(r *PracticeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "请围绕知识点「%s」生成分层练习题（基础、提高、拓展），并附参考答案。\n", r.KnowledgePoint)
	if r.Subject != "" {
		fmt.Fprintf(&b, "学科与年级：%s\n", r.Subject)
	}
	if r.Objectives != "" {
		fmt.Fprintf(&b, "教学目标：%s\n", r.Objectives)
	}
	return b.String()
}

func analysisPrompt(r *StudentAnalysisRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "请分析学生学习「%s」之前的预备知识掌握情况，指出可能的薄弱点并给出教学建议。\n", r.UpcomingTopic)
	if r.HistorySummary != "" {
		fmt.Fprintf(&b, "历史表现摘要：%s\n", r.HistorySummary)
	}
	return b.String()
}

func quickSuggestionPrompt(r *QuickSuggestionRequest) string {
	return fmt.Sprintf("背景：%s\n提问：%s", r.Context, r.Query)
}
