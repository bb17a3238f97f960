package special

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/voxline/internal/special/calculator"
)

// CalculatorApology is spoken when an expression cannot be evaluated.
const CalculatorApology = "Desculpe, não consegui fazer esse cálculo. Pode ser mais específico?"

// BuiltinConfig tunes the built-in handlers. The zero value is usable.
type BuiltinConfig struct {
	// DefaultLocation is used by the weather stub when the utterance names no
	// place. Defaults to "São Paulo".
	DefaultLocation string

	// Location is the time zone for the clock handler. Defaults to time.Local.
	Location *time.Location

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Rand picks an index in [0, n). Defaults to math/rand/v2.IntN.
	Rand func(n int) int

	// Jokes and Quotes replace the default content lists when non-empty.
	Jokes  []string
	Quotes []string

	// Translations maps a target language name to a phrase dictionary. It
	// replaces the default dictionary when non-empty.
	Translations map[string]map[string]string
}

var defaultJokes = []string{
	"Por que o livro de matemática está triste? Porque tem muitos problemas!",
	"O que o zero disse para o oito? Bonito cinto!",
	"Por que o computador foi ao médico? Porque estava com vírus!",
}

var defaultQuotes = []string{
	"A persistência é o caminho do êxito. - Charles Chaplin",
	"O sucesso nasce do querer, da determinação e persistência. - Augusto Cury",
	"Acredite em você mesmo e tudo será possível!",
}

var defaultTranslations = map[string]map[string]string{
	"inglês": {
		"olá":      "hello",
		"obrigado": "thank you",
		"como vai": "how are you",
	},
	"espanhol": {
		"olá":      "hola",
		"obrigado": "gracias",
		"como vai": "cómo estás",
	},
}

// RegisterBuiltins installs the six built-in functions into r.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if cfg.DefaultLocation == "" {
		cfg.DefaultLocation = "São Paulo"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.IntN
	}
	if len(cfg.Jokes) == 0 {
		cfg.Jokes = defaultJokes
	}
	if len(cfg.Quotes) == 0 {
		cfg.Quotes = defaultQuotes
	}
	if len(cfg.Translations) == 0 {
		cfg.Translations = defaultTranslations
	}

	fns := []Function{
		{
			Name:        Weather,
			Description: "Reports the current weather for a place mentioned in the utterance.",
			Handler:     weatherHandler(cfg.DefaultLocation),
		},
		{
			Name:        Time,
			Description: "Tells the current time and date.",
			Handler:     timeHandler(cfg.Now, cfg.Location),
		},
		{
			Name:        Joke,
			Description: "Tells a short joke.",
			Handler:     pickHandler(cfg.Jokes, cfg.Rand),
		},
		{
			Name:        Quote,
			Description: "Recites an inspirational quote.",
			Handler:     pickHandler(cfg.Quotes, cfg.Rand),
		},
		{
			Name:        Calculator,
			Description: "Evaluates the arithmetic expression contained in the utterance.",
			Apology:     CalculatorApology,
			Handler:     calculate,
		},
		{
			Name:        Translator,
			Description: "Translates common phrases into English or Spanish.",
			Handler:     translateHandler(cfg.Translations),
		},
	}
	for _, fn := range fns {
		if err := r.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry returns a Registry populated with the built-in functions.
func NewDefaultRegistry(cfg BuiltinConfig, opts ...Option) *Registry {
	r := NewRegistry(opts...)
	// Built-ins always carry a name and a handler.
	_ = RegisterBuiltins(r, cfg)
	return r
}

func weatherHandler(fallback string) Handler {
	return func(_ context.Context, utterance string) (string, error) {
		loc := locationFrom(utterance)
		if loc == "" {
			loc = fallback
		}
		return fmt.Sprintf("Hoje em %s está ensolarado com temperatura de 25°C. Perfeito para um passeio!", loc), nil
	}
}

// locationFrom extracts the text following the last " em " or " no "/" na "
// preposition, e.g. "como está o clima em Recife?" yields "Recife".
func locationFrom(utterance string) string {
	u := strings.TrimRight(strings.TrimSpace(utterance), "?!.")
	lower := strings.ToLower(u)
	idx := -1
	width := 0
	for _, prep := range []string{" em ", " no ", " na "} {
		if i := strings.LastIndex(lower, prep); i > idx {
			idx, width = i, len(prep)
		}
	}
	if idx < 0 {
		return ""
	}
	loc := strings.TrimSpace(u[idx+width:])
	// "o clima em casa hoje" style fragments are not places.
	if loc == "" || strings.Contains(loc, " hoje") || strings.EqualFold(loc, "hoje") {
		return ""
	}
	return loc
}

func timeHandler(now func() time.Time, loc *time.Location) Handler {
	return func(context.Context, string) (string, error) {
		t := now().In(loc)
		return fmt.Sprintf("Agora são %s do dia %s.", t.Format("15:04"), t.Format("02/01/2006")), nil
	}
}

func pickHandler(items []string, intn func(int) int) Handler {
	return func(context.Context, string) (string, error) {
		return items[intn(len(items))], nil
	}
}

func calculate(_ context.Context, utterance string) (string, error) {
	expr, err := calculator.Sanitize(utterance)
	if err != nil {
		return "", err
	}
	v, err := calculator.Eval(expr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("O resultado de %s é %s.", expr, calculator.Format(v)), nil
}

func translateHandler(dict map[string]map[string]string) Handler {
	return func(_ context.Context, utterance string) (string, error) {
		lower := strings.ToLower(utterance)
		target := "inglês"
		for _, lang := range slices.Sorted(maps.Keys(dict)) {
			if strings.Contains(lower, lang) {
				target = lang
				break
			}
		}
		phrases, ok := dict[target]
		if ok {
			// Longest matching phrase wins.
			var best, bestTr string
			for pt, tr := range phrases {
				if strings.Contains(lower, pt) && len(pt) > len(best) {
					best, bestTr = pt, tr
				}
			}
			if best != "" {
				return fmt.Sprintf("'%s' em %s é '%s'.", best, target, bestTr), nil
			}
		}
		return fmt.Sprintf("Tradução de '%s' para %s: [Tradução simulada]", strings.TrimSpace(utterance), target), nil
	}
}
