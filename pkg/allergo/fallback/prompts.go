package fallback

import (
	"encoding/json"
	"fmt"
	"strings"
)

const extractPromptDE = `You are a precise German culinary term extractor.
Task: Given a dish name/description, return ONLY a JSON array of distinct German ingredient-like terms (nouns/compounds). No translations, no explanations.

Rules:
- Output <= %d items, lowercased, concise single tokens if possible (compounds allowed, e.g. "joghurtsose", "sesampaste", "doenerfleisch", "brioche-bun").
- Skip generic fillers that are not ingredients (e.g. "gericht", "hausgemacht", "frisch", "lecker", "portion", "klassisch").
- If an ingredient is ambiguous ("sose", "salat"), keep it but prefer more specific forms if present ("joghurtsose", "mayonnaise", "senf", "kaese").
- Return ONLY a JSON array (no code blocks).

Examples:
INPUT: "Döner Teller, Dönerfleisch, Soße, Salat, Kraut, Zwiebeln, Tomaten"
OUTPUT: ["doenerfleisch","sose","salat","kraut","zwiebeln","tomaten"]

INPUT: "Chicken Wrap mit Joghurtsoße und Sesam"
OUTPUT: ["chicken","joghurtsose","sesam","wrap"]

INPUT: "Falafel mit Tahini (Sesampaste), Salat, Tomaten"
OUTPUT: ["falafel","tahini","sesampaste","salat","tomaten"]

Now extract for language=%s:

NAME: %s
DESC: %s

Return ONLY JSON array:`

const extractPromptEN = `You are a precise culinary term extractor.
Task: Given a dish name/description, return ONLY a JSON array of distinct ingredient-like terms (nouns/compounds) in the language of the input. No translations, no explanations.

Rules:
- Output <= %d items, lowercased, concise single tokens if possible (compounds allowed, e.g. "yogurt-sauce", "sesame-paste").
- Skip generic fillers that are not ingredients (e.g. "dish", "homemade", "fresh", "tasty", "portion", "classic").
- Return ONLY a JSON array (no code blocks).

Examples:
INPUT: "Chicken wrap with yogurt sauce and sesame"
OUTPUT: ["chicken","yogurt-sauce","sesame","wrap"]

INPUT: "Falafel with tahini, salad, tomatoes"
OUTPUT: ["falafel","tahini","salad","tomatoes"]

Now extract for language=%s:

NAME: %s
DESC: %s

Return ONLY JSON array:`

const codeHints = `A = glutenhaltiges Getreide (Weizen, Dinkel, Roggen, Gerste, Mehl, Teig, Brot, Panier, Nudeln, Pasta, Couscous, Bulgur)
B = Krebstiere (Garnelen, Shrimps, Krabben, Hummer, Scampi)
C = Eier (Ei, Eier, Mayonnaise, Mayo, Remoulade, Aioli, Baiser/Meringue)
D = Fisch (Fisch, Lachs, Thunfisch, Forelle, Kabeljau, Sardine)
E = Erdnüsse (Erdnuss, Erdnussbutter)
F = Soja (Soja, Sojasauce/Shoyu, Tofu, Miso, Tempeh, Edamame, Sojamilch)
G = Milch/Laktose (Milch, Käse/Kaese, Joghurt, Butter, Sahne/Rahm, Quark, Mascarpone, Ricotta, Creme Fraiche)
H = Schalenfrüchte/Nüsse (Walnuss, Haselnuss, Mandel, Pistazie, Cashew, Pekannuss, Paranuss, Macadamia, Pinienkerne, Nougat, Nutella)
J = Senf (Senf, Dijon)
K = Sesam (Sesam, Tahini, Sesampaste)
L = Sellerie (Sellerie)
N = Lupine (Lupine, Lupinenmehl)`

const mapExamples = `Examples (decide codes; if uncertain, return empty codes with low confidence):
- "joghurtsose" → G (dairy sauce) conf≈0.9
- "mayonnaise" → C (egg-based) conf≈0.9
- "senf" → J conf≈0.9
- "tahini" → K conf≈0.9
- "sojasauce" → F conf≈0.9
- "weizenmehl" → A conf≈0.9
- "brot" → A conf≈0.75
- "pizza" → A conf≈0.7
- "lachs" → D conf≈0.9
- "garnelen" → B conf≈0.9
- "nougat" → H conf≈0.8
- "salat" → (empty) conf≈0.0 (not an allergen per se)
- "doenerfleisch" → (empty) conf≈0.0 (no inherent allergen)`

const mapPrompt = `You are an expert allergen labeler for menus.
Map each term to the allergen LETTER codes used by this system, using the hint map below.
Return ONLY a JSON object: keys = terms (lowercased), values = {"codes": "A,C", "confidence": 0.0..1.0, "reason": "short"}

Allergen hint:
%s

%s

Rules:
- Use letters only, comma-separated (no spaces). Example: "A,G" or "" for none.
- If a term is generic (e.g. "salat", "kraut", "zwiebeln", "tomaten", "fleisch"), return empty codes with confidence 0.0.
- Be conservative: only assign a code if the term strongly implies that allergen.
- Confidence: 0.7-0.95 when strong; 0.3-0.6 when plausible but not guaranteed; 0 for none.
- Reason must be short ("dairy", "egg-based", "sesame", "gluten cereal", "tree nuts", ...).

Terms (language=%s):
%s

Return ONLY JSON object:`

const directPrompt = `Du bist ein präziser Allergen-Klassifizierer für Speisekarten.
Gib ausschließlich die Allergen-BUCHSTABEN (A..R) für dieses Gericht zurück, als CSV ohne Leerzeichen.
Sei konservativ: Nur Codes, die stark impliziert sind. Keine Erklärungen, nur die eine Zeile im Format unten.

Gericht:
%s

Antwort-Format GENAU (eine Zeile):
codes: A,C,G
Falls nichts sicher: gib "codes: "`

func extractPrompt(lang string, maxTerms int, name, desc string) string {
	tmpl := extractPromptEN
	if lang == "de" {
		tmpl = extractPromptDE
	}
	return fmt.Sprintf(tmpl, maxTerms, lang, name, desc)
}

func mappingPrompt(lang string, terms []string) string {
	list, _ := json.Marshal(terms)
	return fmt.Sprintf(mapPrompt, codeHints, mapExamples, lang, list)
}

func directCodesPrompt(name, desc string) string {
	text := strings.TrimSpace(name)
	if desc = strings.TrimSpace(desc); desc != "" {
		text += "\n\nBeschreibung:\n" + desc
	}
	return fmt.Sprintf(directPrompt, text)
}
