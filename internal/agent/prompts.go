package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/boristopalov/abby/pkg/provider/llm"
	"github.com/boristopalov/abby/pkg/types"
)

// DefaultGenre is the genre style used when a session has not picked one.
const DefaultGenre = "Tribal Sci-fi Techno"

// basePrompt frames every session regardless of genre.
const basePrompt = `You are a production assistant controlling an Ableton Live set over its remote script.
You can inspect the mixer, read device parameters, and change them with the tools provided.
Parameter values are raw values between the parameter's min and max; always read a device's
parameters before setting one. Keep answers short and concrete. Work in the style of the
following genre:`

// builtinGenrePrompts ships the default genre styles. Stored genres from
// the chat store are merged over these at runtime.
var builtinGenrePrompts = map[string]string{
	DefaultGenre: `
Key Ableton devices:
- Operator for tribal percussion synthesis
- Wavetable for sci-fi atmospheres
- Echo for tribal delay patterns
- Corpus for metallic resonances
- Drum Rack for layered percussion

Essential device chains:
1. Tribal Bass: Operator > Saturator > Auto Filter
2. Sci-fi Pads: Wavetable > Chorus > Echo
3. Tech Percussion: Drum Rack > Corpus > Erosion

Audio effect racks:
1. Tribal Space: Echo > Reverb > Utility
2. Future Distortion: Saturator > Amp > Cabinet
3. Metallic Resonator: Corpus > Frequency Shifter > Auto Pan

Mixing guidelines:
- Keep kick drum centered and prominent
- Pan tribal elements wide
- Use sends for sci-fi atmospheres
- Maintain clear separation between percussion and pads

Processing techniques:
- Use frequency shifting for metallic textures
- Apply tribal-inspired delay patterns
- Create evolving sci-fi textures with automation
- Layer organic and synthetic percussion

Remember to:
- Balance tribal and futuristic elements
- Maintain driving techno rhythm
- Create contrast between organic and synthetic sounds
- Use automation for evolving textures
- Keep arrangement dynamic and engaging
`,
}

// BuiltinGenres returns the names of the genres that ship with the server.
func BuiltinGenres() []string {
	names := make([]string, 0, len(builtinGenrePrompts))
	for name := range builtinGenrePrompts {
		names = append(names, name)
	}
	return names
}

// SystemPrompt combines the base instructions with the style prompt of the
// given genre. Unknown genres fall back to [DefaultGenre].
func SystemPrompt(genre, genrePrompt string) string {
	if genrePrompt == "" {
		if p, ok := builtinGenrePrompts[genre]; ok {
			genrePrompt = p
		} else {
			genre = DefaultGenre
			genrePrompt = builtinGenrePrompts[DefaultGenre]
		}
	}
	return fmt.Sprintf("%s\n\nGenre: %s\n%s", basePrompt, genre, genrePrompt)
}

// genreGenPrompt asks the model for a brand-new genre style prompt in a
// parseable format.
const genreGenPrompt = `Create a new weird, niche, experimental music genre system prompt. The prompt should:

1. Have a unique genre name that combines 2-3 musical styles or concepts
2. Include detailed Ableton Live device chains with specific parameter values
3. Follow this structure:
   - Key ableton devices to use
   - Essential device chains
   - Audio effect racks
   - Mixing guidelines
   - Processing techniques
   - Remember to/guidelines section

Format the response as:
GENRE_NAME: "your genre name here"
PROMPT: """
your detailed prompt here
"""

Be creative but practical - the genre should be technically implementable in Ableton Live.`

var (
	genreNameRe   = regexp.MustCompile(`GENRE_NAME:\s*"([^"]+)"`)
	genrePromptRe = regexp.MustCompile(`PROMPT:\s*"""\n?([\s\S]+?)"""`)
)

// GenerateGenre asks the model for a new niche genre and returns its name
// and style prompt. The caller decides whether to persist it.
func GenerateGenre(ctx context.Context, provider llm.Provider) (name, prompt string, err error) {
	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		Messages:  []types.Message{{Role: "user", Content: genreGenPrompt}},
		MaxTokens: 2048,
	})
	if err != nil {
		return "", "", fmt.Errorf("agent: generate genre: %w", err)
	}

	nameMatch := genreNameRe.FindStringSubmatch(resp.Content)
	promptMatch := genrePromptRe.FindStringSubmatch(resp.Content)
	if nameMatch == nil || promptMatch == nil {
		return "", "", fmt.Errorf("agent: generate genre: response did not match the expected format")
	}
	return nameMatch[1], strings.TrimSpace(promptMatch[1]), nil
}
