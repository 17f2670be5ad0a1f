package nurture

import (
	"fmt"
	"strings"

	"leadnurture/models"
)

type builtinSequence struct {
	DisplayName string
	Description string
	Steps       []models.SequenceStepOverride
}

// builtinSequences is the default catalog. Trigger conditions are decided
// upstream:
//   - abandoned: the lead asked for price or payment details and did not buy
//     within an hour.
//   - interest_cold: the lead asked product questions without a purchase signal.
//   - re_engagement: a previously engaged lead has been inactive for 7 days.
//   - post_purchase: payment was confirmed.
var builtinSequences = map[models.SequenceType]builtinSequence{
	models.SequenceAbandoned: {
		DisplayName: "Carrito abandonado",
		Description: "Recupera leads que pidieron precio o link de pago y no compraron.",
		Steps: []models.SequenceStepOverride{
			{DelayHours: 1, Message: "Ey! Vi que te interesó {producto}, {nombre}. ¿Te quedó alguna duda? Estoy aquí para ayudarte."},
			{DelayHours: 24, Message: "Hola de nuevo {nombre}! Solo quería recordarte que {producto} sigue disponible por {precio}. ¿Lo aseguramos?"},
		},
	},
	models.SequenceInterestCold: {
		DisplayName: "Interés frío",
		Description: "Nutre leads que preguntaron por el producto sin mostrar intención de compra.",
		Steps: []models.SequenceStepOverride{
			{DelayHours: 24, Message: "Hola {nombre}! ¿Pudiste pensar un poco más sobre {producto}? Te cuento lo que más valoran quienes ya lo tienen."},
			{DelayHours: 72, Message: "{nombre}, te dejo un caso real de alguien que empezó igual que tú con {producto}. ¿Quieres que te lo pase?"},
			{DelayHours: 168, Message: "Último mensaje sobre {producto}, {nombre}. Si en algún momento te animas, aquí estoy."},
		},
	},
	models.SequenceReEngagement: {
		DisplayName: "Reactivación",
		Description: "Retoma la conversación con leads que llevan 7 días sin actividad.",
		Steps: []models.SequenceStepOverride{
			{DelayHours: 0, Message: "¡Hola {nombre}! Hace tiempo que no hablamos. ¿Cómo vas con lo que me contaste?"},
			{DelayHours: 72, Message: "{nombre}, tengo algo nuevo que creo que te puede servir. ¿Te lo cuento?"},
		},
	},
	models.SequencePostPurchase: {
		DisplayName: "Post-compra",
		Description: "Acompaña al cliente después de confirmar el pago.",
		Steps: []models.SequenceStepOverride{
			{DelayHours: 0, Message: "¡Gracias por tu compra, {nombre}! Ya tienes acceso a {producto}. Cualquier duda, escríbeme."},
			{DelayHours: 24, Message: "¿Qué tal tus primeros pasos con {producto}, {nombre}?"},
			{DelayHours: 168, Message: "{nombre}, ¿me cuentas qué te ha parecido {producto}? Tu opinión me ayuda muchísimo."},
		},
	},
}

// validateBuiltins checks that every known type has a well-formed default and
// that the table holds nothing else.
func validateBuiltins(table map[models.SequenceType]builtinSequence) error {
	for _, t := range models.SequenceTypes() {
		b, ok := table[t]
		if !ok {
			return fmt.Errorf("no default steps for sequence %q", t)
		}
		if strings.TrimSpace(b.DisplayName) == "" {
			return fmt.Errorf("sequence %q has no display name", t)
		}
		if err := ValidateSteps(b.Steps); err != nil {
			return fmt.Errorf("default steps for %q: %w", t, err)
		}
	}
	for t := range table {
		if !t.Valid() {
			return fmt.Errorf("default steps for unknown sequence %q", t)
		}
	}
	return nil
}

// ValidateSteps enforces the step list invariants: at least one step,
// non-negative strictly ascending delays, non-blank messages.
func ValidateSteps(steps []models.SequenceStepOverride) error {
	if len(steps) == 0 {
		return &ValidationError{StepIndex: -1, Message: "at least one step is required"}
	}
	for i, s := range steps {
		if s.DelayHours < 0 {
			return &ValidationError{StepIndex: i, Message: "delay_hours must be zero or positive"}
		}
		if i > 0 && s.DelayHours <= steps[i-1].DelayHours {
			return &ValidationError{StepIndex: i, Message: fmt.Sprintf("delay_hours must be greater than step %d (%d)", i-1, steps[i-1].DelayHours)}
		}
		if strings.TrimSpace(s.Message) == "" {
			return &ValidationError{StepIndex: i, Message: "message must not be empty"}
		}
	}
	return nil
}

func toSteps(in []models.SequenceStepOverride) []Step {
	steps := make([]Step, len(in))
	for i, s := range in {
		steps[i] = Step{Index: i, DelayHours: s.DelayHours, Message: s.Message}
	}
	return steps
}
