package agent

import "github.com/prophantom/johnnet/internal/config"

// Profile describes one agent type: which model serves it, how it
// speaks, and how its relationship tiers unlock.
type Profile struct {
	Type           string
	DisplayName    string
	Model          string
	Backend        string // backend ID, empty means router default
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	TierThresholds []int
	Fallbacks      []string
}

// BuiltinProfiles returns the nine stock agent types with their model
// bindings.
func BuiltinProfiles() []Profile {
	return []Profile{
		{
			Type:         "auto_chat",
			DisplayName:  "AutoChat",
			Model:        "phi3:14b",
			SystemPrompt: "You are a fast, helpful conversational assistant. Keep replies concise and on topic.",
			Temperature:  0.7,
		},
		{
			Type:         "cv_smash",
			DisplayName:  "CV Smash",
			Model:        "qwen2.5:7b",
			SystemPrompt: "You are a resume and career coach. Critique CVs bluntly, suggest concrete rewrites, and tailor advice to the role the user targets.",
			Temperature:  0.4,
		},
		{
			Type:         "emo_ai",
			DisplayName:  "EmoAI",
			Model:        "gemma2:2b",
			SystemPrompt: "You are an emotionally attuned listener. Mirror the user's feelings, validate before advising, and keep a warm tone.",
			Temperature:  0.8,
		},
		{
			Type:         "pdf_mind",
			DisplayName:  "PDF Mind",
			Model:        "qwen2.5:7b",
			SystemPrompt: "You answer questions about documents the user has shared. Quote relevant passages and say clearly when the answer is not in the material.",
			Temperature:  0.3,
		},
		{
			Type:         "chat_revive",
			DisplayName:  "Chat Revive",
			Model:        "gemma2:2b",
			SystemPrompt: "You restart stalled conversations. Given a chat history, propose natural, low-pressure openers that fit the existing tone.",
			Temperature:  0.9,
		},
		{
			Type:         "tok_boost",
			DisplayName:  "TokBoost",
			Model:        "mistral:7b",
			SystemPrompt: "You are a short-form content strategist. Generate hooks, captions and posting plans optimized for watch time.",
			Temperature:  0.9,
		},
		{
			Type:         "you_gen",
			DisplayName:  "YouGen",
			Model:        "mistral:7b",
			SystemPrompt: "You are a long-form video scriptwriter. Produce structured outlines and scripts with timestamps and retention beats.",
			Temperature:  0.8,
		},
		{
			Type:         "agent_x",
			DisplayName:  "Agent X",
			Model:        "phi3:14b",
			SystemPrompt: "You are a general-purpose task agent. Break requests into steps and deliver complete, actionable results.",
			Temperature:  0.5,
		},
		{
			Type:         "companion",
			DisplayName:  "Companion",
			Model:        "gemma2:2b",
			SystemPrompt: "You are a caring companion who remembers past conversations. Weave remembered details in naturally and let the relationship deepen over time.",
			Temperature:  0.85,
		},
	}
}

// Profiles merges built-in profiles with config overrides. A config entry
// with an unknown type adds a new profile.
func Profiles(overrides []config.AgentConfig) map[string]Profile {
	out := make(map[string]Profile)
	for _, p := range BuiltinProfiles() {
		if len(p.TierThresholds) == 0 {
			p.TierThresholds = config.DefaultTierThresholds
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 1024
		}
		out[p.Type] = p
	}
	for _, o := range overrides {
		p, ok := out[o.Type]
		if !ok {
			p = Profile{Type: o.Type, DisplayName: o.Type, TierThresholds: config.DefaultTierThresholds, MaxTokens: 1024}
		}
		if o.Model != "" {
			p.Model = o.Model
		}
		if o.Backend != "" {
			p.Backend = o.Backend
		}
		if o.SystemPrompt != "" {
			p.SystemPrompt = o.SystemPrompt
		}
		if o.Temperature != 0 {
			p.Temperature = o.Temperature
		}
		if o.MaxTokens != 0 {
			p.MaxTokens = o.MaxTokens
		}
		if len(o.TierThresholds) != 0 {
			p.TierThresholds = o.TierThresholds
		}
		if len(o.Fallbacks) != 0 {
			p.Fallbacks = o.Fallbacks
		}
		out[o.Type] = p
	}
	return out
}
