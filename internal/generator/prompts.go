package generator

import (
	"strings"

	"github.com/opos-prep/backend/internal/models"
)

const (
	chunk1Placeholder = "{{CHUNK_1}}"
	chunk2Placeholder = "{{CHUNK_2}}"
)

// SystemPrompt frames every generation call.
func SystemPrompt() string {
	return `Eres evaluador experto OPOSICIONES Técnico Farmacia SERGAS.
Redactas preguntas tipo test de 4 opciones (A-D) con una única respuesta correcta extraída del material proporcionado.
Responde SOLO con JSON válido, sin texto adicional.`
}

// ── Tier templates ──────────────────────────────────────

const fragmentsBlock = `=== FRAGMENTO 1 ===
{{CHUNK_1}}

=== FRAGMENTO 2 ===
{{CHUNK_2}}`

const diversityBlock = `DIVERSIDAD CONCEPTUAL OBLIGATORIA:
• Las 2 preguntas tratan ASPECTOS DIFERENTES
• Si ambos fragmentos hablan del mismo concepto, enfoca cada pregunta en un sub-aspecto distinto`

const optionLengthBlock = `LONGITUD OPCIONES (CRÍTICO):
• Todas las opciones con longitud SIMILAR (±25% caracteres)
• La longitud NO debe ser pista: la correcta es la más larga solo en la mitad de los casos`

const explanationRules = `EXPLICACIÓN:
• Una explicación independiente por pregunta
• NO mencionar "Fragmento 1" ni "Fragmento 2", NO auto-referencias ("el texto dice", "según el fragmento")
• Formato: "**Normativa/Concepto:** dato específico."`

const simpleTemplate = `OBJETIVO: Genera 2 preguntas SIMPLES (1 por fragmento). Evalúan memorización de datos objetivos.

` + diversityBlock + `

` + fragmentsBlock + `

INSTRUCCIONES:
1. Estilo directo: "¿Cuál/Qué [dato] según [normativa]?" o contexto breve de 6-8 palabras. NO narrativas.
2. Identifica plazos, temperaturas, rangos, definiciones, porcentajes y clasificaciones.
3. Distractores: dato de un caso cercano, cifra próxima, mezcla conceptual, error común.

` + optionLengthBlock + `

` + explanationRules + ` Máximo 12 palabras.

CRÍTICO: respuesta correcta tomada del fragmento, distractores plausibles e incorrectos.

JSON: {"questions":[{"question":"","options":["A) ","B) ","C) ","D) "],"correct":0,"explanation":"","difficulty":"simple","page_reference":""}]}`

const mediumTemplate = `OBJETIVO: Genera 2 preguntas MEDIAS (1 por fragmento, temas diferentes). Evalúan comprensión y aplicación.

` + diversityBlock + `

` + fragmentsBlock + `

TIPOS (usa variedad): características, funciones, requisitos, procedimientos, secuencias, criterios de decisión,
clasificaciones, comparaciones, causa-efecto, aplicación normativa, indicaciones, identificación de errores,
interpretación de datos, priorización, excepciones.

INSTRUCCIONES:
1. Estilo: 40% directa, 40% contexto breve (8-10 palabras), 20% aplicativa ("Si [condición], ¿qué...?"). NO narrativas.
2. Distractores: respuesta parcial, protocolo relacionado, exceso o defecto de requisitos, orden invertido, norma de otro ámbito.

` + optionLengthBlock + `

` + explanationRules + ` Máximo 13 palabras.

CRÍTICO: 2 preguntas de tipos diferentes, respuesta correcta tomada del fragmento.

JSON: {"questions":[{"question":"","options":["A) ","B) ","C) ","D) "],"correct":0,"explanation":"","difficulty":"media","page_reference":""}]}`

const elaborateTemplate = `OBJETIVO: Genera 2 preguntas ELABORADAS (1 por fragmento, temas diferentes). Requieren análisis e integración de conceptos.

` + diversityBlock + `

` + fragmentsBlock + `

TIPOS (varía): criterios múltiples, integración de conceptos, situaciones complejas, comparación multi-criterio,
consecuencias en cadena, procedimientos multi-paso, excepciones, síntesis normativa, conflictos normativos, impacto.

INSTRUCCIONES:
1. Estilo: 60% contexto funcional (10-18 palabras), 40% directa compleja. Contexto necesario, no decorativo. NO narrativas ficticias.
2. Distractores: respuesta parcial, práctica habitual no normativa, sobre-requisito, legislación similar, secuencia incompleta.
3. Opciones desarrolladas, de al menos 30 caracteres.

` + optionLengthBlock + `

` + explanationRules + ` Máximo 15 palabras (20 con viñetas).

CRÍTICO: integra 2+ conceptos del fragmento; si no lo permite, haz una MEDIA difícil.

JSON: {"questions":[{"question":"","options":["A) ","B) ","C) ","D) "],"correct":0,"explanation":"","difficulty":"elaborada","page_reference":""}]}`

var tierTemplates = map[models.Difficulty]string{
	models.DifficultySimple:    simpleTemplate,
	models.DifficultyMedium:    mediumTemplate,
	models.DifficultyElaborate: elaborateTemplate,
}

// BuildPrompt fills the tier template with up to two fragments. A single
// fragment is used for both slots.
func BuildPrompt(difficulty models.Difficulty, fragments []string) string {
	tmpl, ok := tierTemplates[difficulty]
	if !ok {
		tmpl = mediumTemplate
	}

	var first, second string
	switch len(fragments) {
	case 0:
	case 1:
		first, second = fragments[0], fragments[0]
	default:
		first, second = fragments[0], fragments[1]
	}

	// Replace the second placeholder first so a fragment containing the
	// literal "{{CHUNK_2}}" is never substituted twice.
	out := strings.Replace(tmpl, chunk2Placeholder, second, 1)
	return strings.Replace(out, chunk1Placeholder, first, 1)
}

// ── Fragment extraction ─────────────────────────────────

// FragmentsFromPrompt recovers the fragment texts embedded by BuildPrompt.
func FragmentsFromPrompt(prompt string) []string {
	const h1, h2 = "=== FRAGMENTO 1 ===\n", "\n\n=== FRAGMENTO 2 ===\n"
	i := strings.Index(prompt, h1)
	j := strings.Index(prompt, h2)
	if i < 0 || j < i {
		return nil
	}
	first := prompt[i+len(h1) : j]
	rest := prompt[j+len(h2):]
	if k := strings.Index(rest, "\n\n"); k >= 0 {
		rest = rest[:k]
	}
	return []string{first, rest}
}

// TierFromPrompt reports which tier template produced prompt.
func TierFromPrompt(prompt string) models.Difficulty {
	switch {
	case strings.Contains(prompt, `"difficulty":"simple"`):
		return models.DifficultySimple
	case strings.Contains(prompt, `"difficulty":"elaborada"`):
		return models.DifficultyElaborate
	default:
		return models.DifficultyMedium
	}
}
