// Package prompt builds the instructions sent to the live tutor and to the
// lesson narration model.
//
// Both builders are pure: they perform no I/O and are safe for concurrent use.
// Every table is keyed by [types.Level]; an unset level falls back to the
// Beginner row.
package prompt

import (
	"fmt"
	"strings"

	"github.com/admirelc/speakzone/pkg/types"
)

// ── Level tables ──────────────────────────────────────────────────────────────

var languageRatios = map[types.Level]string{
	types.LevelBeginner:          "90% O'zbek tili / 10% Ingliz tili",
	types.LevelElementary:        "70% O'zbek tili / 30% Ingliz tili",
	types.LevelIntermediate:      "40% O'zbek tili / 60% Ingliz tili",
	types.LevelUpperIntermediate: "20% O'zbek tili / 80% Ingliz tili",
	types.LevelAdvanced:          "10% O'zbek tili / 90% Ingliz tili",
}

var narrationRatios = map[types.Level]string{
	types.LevelBeginner:          "90% O'zbekcha / 10% Inglizcha",
	types.LevelElementary:        "70% O'zbekcha / 30% Inglizcha",
	types.LevelIntermediate:      "40% O'zbekcha / 60% Inglizcha",
	types.LevelUpperIntermediate: "20% O'zbekcha / 80% Inglizcha",
	types.LevelAdvanced:          "10% O'zbekcha / 90% Inglizcha",
}

var personalities = map[types.Level]string{
	types.LevelBeginner:          `PERSONALITY: Very patient but EFFICIENT. Speak clearly and slowly, but avoid long pauses. Use short sentences. Give frequent, quick encouragement. Tone: "Good. Ready? Let’s try together."`,
	types.LevelElementary:        `PERSONALITY: Friendly, fast-paced, and supportive. Use simple daily language. Encourage short, quick sentences. Tone: "Nice! One small change. Next!"`,
	types.LevelIntermediate:      `PERSONALITY: Conversational and motivating. Keep the flow moving. Use natural English. Tone: "Good answer. Quickly: can you add a detail?"`,
	types.LevelUpperIntermediate: `PERSONALITY: Confident and engaging. Challenge the user efficiently. Use idioms. Focus on precision. Tone: "Strong. Let’s move fast: make it more natural."`,
	types.LevelAdvanced:          `PERSONALITY: Professional, fluent, and concise. Use advanced vocabulary. Debate opinions quickly. Tone: "Excellent. Let’s refine that point and move on."`,
}

var lessonPlans = map[types.Level]string{
	types.LevelBeginner:          "Lesson Focus: Greetings and introductions, daily objects and actions, simple present tense, short answers and repetition.",
	types.LevelElementary:        "Lesson Focus: Daily routines, past and future basics, asking and answering questions, common situations (shopping, travel).",
	types.LevelIntermediate:      "Lesson Focus: Opinions and preferences, storytelling (past experiences), basic conditionals, extended conversations.",
	types.LevelUpperIntermediate: "Lesson Focus: Discussions and arguments, complex sentence structures, idioms and phrasal verbs, real-life scenarios.",
	types.LevelAdvanced:          "Lesson Focus: Abstract topics, professional and academic speaking, debate and persuasion, advanced pronunciation and tone control.",
}

// LanguageRatio returns the Uzbek/English mix the tutor should speak at level.
func LanguageRatio(level types.Level) string { return languageRatios[normalize(level)] }

func normalize(level types.Level) types.Level {
	if !level.Valid() {
		return types.LevelBeginner
	}
	return level
}

// ── Live tutor ────────────────────────────────────────────────────────────────

const identityBlock = `IDENTITY & KNOWLEDGE BASE:
- NAME: English: "My name is ADMIRE." Uzbek: "Mening ismim ADMIRE."
- CREATOR: English: "I was created by Saidahmadxon." Uzbek: "Meni Saidahmadxon yaratgan."
- FOUNDER: English: "The founder of Admire Learning Center is Farruxjon Abdurabiyev." Uzbek: "Admire o‘quv markazi asoschisi Farruxjon Abdurabiyev."
- LOCATION: Uzbek: "Admire o‘quv markazi Farg‘ona viloyati, Yangiqo‘rg‘on shaharchasi, Anhor ko‘chasi 533-uyda joylashgan. Mo‘ljal: Universal bank orqasi."
- DO NOT mention Google, OpenAI, or other brands.`

const speedBlock = `SPEED OPTIMIZATION RULES:
- CONCISE: Keep responses short. No long monologues.
- FAST-PACED: Move through topics quickly. No long pauses.
- EFFICIENT: Get to the point. Focus on key vocabulary and examples.
- CLEAR: For beginners, speak slowly but ARTICULATE EFFICIENTLY.`

const safetyBlock = `USER SAFETY & CORE TEACHING:
- Priority: Confidence first, accuracy second.
- Never judge. Never say "wrong". Always encourage.`

// SystemInstruction returns the tutor persona for a live session at level,
// including the memory block when the learner has recorded mistakes.
func SystemInstruction(level types.Level, mistakes []types.MistakeRecord) string {
	lv := normalize(level)
	var sb strings.Builder

	sb.WriteString("You are ADMIRE, an independent AI speaking partner.\n\n")

	sb.WriteString("LANGUAGE TRANSITION RULES (CRITICAL):\n")
	fmt.Fprintf(&sb, "- USER LEVEL: %s\n", lv)
	fmt.Fprintf(&sb, "- REQUIRED LANGUAGE RATIO: %s\n", languageRatios[lv])
	sb.WriteString("- Teach and explain using Uzbek based on the ratio.\n")
	sb.WriteString("- Use English for examples, target phrases, and core practice material.\n")
	sb.WriteString("- Gradually shift to more English as level increases.\n")
	sb.WriteString("- Uzbek remains available for clarification if the user struggles.\n\n")

	sb.WriteString(speedBlock)
	sb.WriteString("\n\n")
	sb.WriteString(identityBlock)
	sb.WriteString("\n\n")

	sb.WriteString("PERSONALITY BY LEVEL:\n")
	sb.WriteString(personalities[lv])
	sb.WriteString("\n\n")

	sb.WriteString("LESSON FOCUS:\n")
	sb.WriteString(lessonPlans[lv])
	if mem := MemoryBlock(mistakes); mem != "" {
		sb.WriteString("\n")
		sb.WriteString(mem)
	}
	sb.WriteString("\n\n")

	sb.WriteString(safetyBlock)
	sb.WriteString("\n\n")
	sb.WriteString("INTRO: Start the session in accordance with the language ratio.")
	return sb.String()
}

// MemoryBlock lists the learner's recorded mistakes for the tutor. It returns
// "" when there are none.
func MemoryBlock(mistakes []types.MistakeRecord) string {
	if len(mistakes) == 0 {
		return ""
	}
	quoted := make([]string, len(mistakes))
	for i, m := range mistakes {
		quoted[i] = `"` + m.Content + `"`
	}
	return "USER MEMORY: User struggled with: " + strings.Join(quoted, ", ") +
		". Mention corrections quickly when relevant."
}

// ── Lesson narration ──────────────────────────────────────────────────────────

// NarrationPrompt asks the script model to rewrite lesson text as a spoken
// explanation in the level's language mix. The model must return only the
// text to be spoken.
func NarrationPrompt(level types.Level, text string) string {
	lv := normalize(level)
	var sb strings.Builder
	sb.WriteString("Siz ADMIRE ismli, professional o'qituvchisiz.\n")
	fmt.Fprintf(&sb, "FOYDALANUVCHI DARAJASI: %s.\n", lv)
	fmt.Fprintf(&sb, "TIL QOIDASI: Tushuntirishlar uchun %s nisbatida gapiring.\n", narrationRatios[lv])
	fmt.Fprintf(&sb, "DARSLIK MATNI: \"%s\".\n\n", text)
	sb.WriteString("Ko'rsatma: Mavzuni juda tushunarli qilib, belgilangan til nisbatida so'zlab bering.\n")
	sb.WriteString("O'zbek tilidagi tushuntirishlar tushunarli va ravon bo'lishi shart.\n")
	sb.WriteString("Ingliz tili faqat misollar va qisqa iboralar uchun ishlatilsin.\n")
	sb.WriteString("FAQAT gapirilishi kerak bo'lgan matnni qaytaring, ortiqcha izohsiz.")
	return sb.String()
}
