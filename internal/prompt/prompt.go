// Package prompt builds the instructions sent alongside each clip.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/audioeval/internal/config"
	"gopkg.in/yaml.v3"
)

// Genre is a label the classifier may answer with.
type Genre struct {
	Name        string
	Description string
}

// Genres is the label set of the genre classification prompt, in the order
// it is presented to the model.
var Genres = []Genre{
	{"blues", "emotional guitar-based music with slow rhythm and soulful vocals"},
	{"classical", "orchestral or instrumental music with structured composition and no modern beats"},
	{"country", "acoustic instruments like guitar or banjo, storytelling vocals, often with rural themes"},
	{"electronic", "synthesized sounds, repetitive beats, and minimal or robotic vocals"},
	{"folk", "acoustic, narrative songs rooted in traditional culture, often simple and melodic"},
	{"hiphop", "rhythmic beats, rap vocals, and strong emphasis on rhythm and rhyme"},
	{"jazz", "improvisational music with swing rhythms, saxophone or trumpet, and complex harmonies"},
	{"metal", "loud, distorted guitars, aggressive drums, and powerful vocals"},
	{"pop", "catchy melodies, simple lyrics, and modern production, aiming for mass appeal"},
	{"rnb", "smooth, soulful vocals with strong groove, often blending rhythm, blues, and pop elements"},
	{"rock", "electric guitars, strong backbeat, and energetic or emotional singing"},
	{"world", "music styles from different cultures, such as Arab, African, Chinese Traditional, Indian, and Latin, often using traditional instruments and regional rhythms"},
	{"other", "non-typical tracks such as speech, recitation, or undefined music styles"},
}

// GenreClassification asks for exactly one lower-case genre tag.
func GenreClassification() string {
	var b strings.Builder
	b.WriteString("You are an expert in music genre classification. ")
	b.WriteString("Listen to the given audio and classify it into one of these genres based on its musical style:\n")
	names := make([]string, 0, len(Genres))
	for _, g := range Genres {
		fmt.Fprintf(&b, "- %s: %s\n", g.Name, g.Description)
		names = append(names, g.Name)
	}
	b.WriteString("\nTask: Classify the audio clip into the single most likely genre. ")
	fmt.Fprintf(&b, "Output only the genre tag (one of: %s) in lowercase, with no explanation.", strings.Join(names, ", "))
	return b.String()
}

// VocalStyle asks for a 1 to 5 rating of how well a dry vocal matches genre.
// extra is inserted verbatim before the task when not blank.
func VocalStyle(genre, extra string) string {
	genre = strings.ToLower(strings.TrimSpace(genre))
	if genre == "" {
		genre = "rock"
	}
	var b strings.Builder
	b.WriteString("You are an expert in music genre analysis, specializing in vocal style.\n\n")
	b.WriteString("The given audio is a dry vocal recording (singing voice only), with no accompaniment.\n")
	b.WriteString("Do NOT consider instrumentation, rhythm section, or production elements.\n")
	b.WriteString("Focus ONLY on vocal style, including:\n")
	b.WriteString("- vocal timbre and tone\n")
	b.WriteString("- singing intensity and energy\n")
	b.WriteString("- articulation and expression\n")
	fmt.Fprintf(&b, "- stylistic traits typical of %s vocals\n\n", genre)
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString(extra)
		b.WriteString("\n\n")
	}
	b.WriteString("Task:\n")
	fmt.Fprintf(&b, "Rate how well this vocal performance matches the %s vocal style.\n\n", strings.ToUpper(genre))
	b.WriteString("Scoring rules:\n")
	b.WriteString("1: Not matching at all\n")
	b.WriteString("2: Slightly matching\n")
	b.WriteString("3: Moderately matching\n")
	b.WriteString("4: Clearly matching\n")
	b.WriteString("5: Strongly and prototypically matching\n\n")
	b.WriteString("Note:\n")
	b.WriteString("When the vocal characteristics are highly typical of the target genre, do not hesitate to assign a higher score.\n\n")
	b.WriteString("Output ONLY a single integer from 1 to 5.\n")
	b.WriteString("Do not include explanations or extra text.")
	return b.String()
}

// LoadExtras reads a genre -> extra prompt map. The file may be JSON or
// YAML; a missing file yields an empty map. Keys are lower-cased.
func LoadExtras(path string) (map[string]string, error) {
	extras := make(map[string]string)
	if path == "" {
		return extras, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return extras, nil
		}
		return nil, fmt.Errorf("read extra prompts: %w", err)
	}
	raw := make(map[string]string)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse extra prompts: %w", err)
	}
	for k, v := range raw {
		extras[strings.ToLower(k)] = v
	}
	return extras, nil
}

// Build resolves the prompt a batch is configured with.
func Build(cfg config.PromptConfig) (string, error) {
	switch cfg.Kind {
	case "", "genre":
		return GenreClassification(), nil
	case "vocal_style":
		extras, err := LoadExtras(cfg.ExtraPrompts)
		if err != nil {
			return "", err
		}
		genre := strings.ToLower(strings.TrimSpace(cfg.Genre))
		if genre == "" {
			genre = "rock"
		}
		return VocalStyle(genre, extras[genre]), nil
	case "file":
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", fmt.Errorf("prompt file %s is empty", cfg.File)
		}
		return text, nil
	case "inline":
		text := strings.TrimSpace(cfg.Text)
		if text == "" {
			return "", errors.New("inline prompt is empty")
		}
		return text, nil
	default:
		return "", fmt.Errorf("unknown prompt kind %q", cfg.Kind)
	}
}
