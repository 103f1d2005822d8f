package detector

import "regexp"

// pattern is one catalogue entry. Patterns are matched against lowercased
// text, so they are written lowercase with word boundaries.
type pattern struct {
	phrase   string
	re       *regexp.Regexp
	severity Severity
	category Category
}

func mustPattern(phrase, expr string, sev Severity, cat Category) pattern {
	return pattern{
		phrase:   phrase,
		re:       regexp.MustCompile(expr),
		severity: sev,
		category: cat,
	}
}

// catalogue is ordered for readability only; Detect tie-breaks on severity
var catalogue = []pattern{
	// CRITICAL — Medical
	mustPattern("heart attack", `\bheart attack\b|\bcardiac arrest\b`, SeverityCritical, CategoryMedical),
	mustPattern("cannot breathe", `\bcan'?t breathe\b|\bcannot breathe\b|\bunable to breathe\b|\bstopped breathing\b`, SeverityCritical, CategoryMedical),
	mustPattern("choking", `\bchoking\b|\bchoked? on\b`, SeverityCritical, CategoryMedical),
	mustPattern("stroke", `\bhaving a stroke\b|\bface is drooping\b|\bslurr(ed|ing) (my )?speech\b|\bcan'?t move my (arm|leg|side)\b`, SeverityCritical, CategoryMedical),
	mustPattern("seizure", `\bseizure\b|\bconvulsing\b|\bconvulsions\b`, SeverityCritical, CategoryMedical),
	mustPattern("overdose", `\boverdose\b|\btook too many pills\b|\btoo much medication\b`, SeverityCritical, CategoryMedical),
	mustPattern("loss of consciousness", `\bpassing out\b|\bpassed out\b|\blosing consciousness\b|\bblacking out\b|\bgoing to faint\b`, SeverityCritical, CategoryMedical),

	// CRITICAL — Safety (active self-harm / suicidal ideation)
	mustPattern("self-harm", `\bkill myself\b|\bend my life\b|\bsuicidal?\b|\bwant to die\b|\bhurt(ing)? myself\b`, SeverityCritical, CategorySafety),

	// HIGH — Physical
	mustPattern("fall", `\bi fell\b|\bi'?ve fallen\b|\bfell down\b|\bcan'?t get up\b`, SeverityHigh, CategoryPhysical),
	mustPattern("head injury", `\bhit my head\b|\bhead injury\b|\bbleeding from my head\b`, SeverityHigh, CategoryPhysical),

	// HIGH — Medical
	mustPattern("chest pain", `\bchest pains?\b|\bchest pressure\b|\bchest tightness\b|\btightness in my chest\b`, SeverityHigh, CategoryMedical),

	// HIGH — Safety
	mustPattern("intruder", `\bintruder\b|\bsomeone (is )?breaking in\b|\bsomeone broke in\b|\bburglar\b|\bsomeone('s| is) in (my|the) house\b`, SeverityHigh, CategorySafety),

	// MEDIUM — Medical (general malaise)
	mustPattern("feeling very unwell", `\bvery sick\b|\breally sick\b|\bnot feeling well\b|\bfeel (terrible|awful)\b|\bvery dizzy\b`, SeverityMedium, CategoryMedical),

	// MEDIUM — Request (explicit asks for help or emergency services)
	mustPattern("request for help", `\b(i )?need help\b|\bhelp me\b|\bsend help\b`, SeverityMedium, CategoryRequest),
	mustPattern("emergency services", `\bcall 911\b|\bcall an ambulance\b|\bneed an ambulance\b|\bthis is an emergency\b`, SeverityMedium, CategoryRequest),
}
