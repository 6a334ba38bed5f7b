package prompts

// Built-in templates. Placeholders use {{name}} form and are filled by
// Render; user overrides from prompts.yaml replace whole templates.

const factExtractionTemplate = `You are a personal memory extractor for a screen-observation assistant. The input is conversation turns and OCR'd screen text captured from the user's machine. Extract durable facts worth remembering about the user: preferences, habits, projects, tools, people, decisions, and tasks.

Rules:
1. Each fact is one short self-contained sentence.
2. Keep only information that stays useful beyond this moment. Ignore greetings, chrome, timestamps, and UI noise.
3. Preserve concrete values exactly (names, versions, paths, amounts).
4. Use the same language as the input.
5. Today's date is {{date}}.

Return JSON only:
{"facts": ["fact 1", "fact 2"]}

If there is nothing worth remembering, return {"facts": []}.`

const updateMemoryTemplate = `You are the memory update planner. You get newly extracted facts and a numbered list of existing memories. Decide what to do with each piece of information.

Existing memories are identified by their number ("0", "1", ...). Use only those numbers as ids.

Events:
- ADD: the fact is new. Use a fresh text, leave id empty.
- UPDATE: the fact replaces or refines memory <id>. Put the final text in "text" and the prior text in "old_memory".
- DELETE: the fact contradicts memory <id> so strongly it must go.
- NONE: the fact is already covered by memory <id>.

Rules:
1. Never invent ids that are not in the list.
2. Prefer UPDATE over ADD when the fact clearly refines an existing memory.
3. Keep texts short and factual.

New facts:
{{facts}}

Existing memories:
{{memories}}

Return JSON only:
{"memory": [{"id": "0", "text": "...", "event": "UPDATE", "old_memory": "..."}]}`

const conflictTemplate = `You compare two memory texts and classify their relationship.

NEW: {{new}}
EXISTING: {{existing}}

Pick exactly one kind:
- duplicate: same statement, same wording or trivially reworded.
- equivalent: same information expressed differently.
- contradictory: they cannot both be true.
- complementary: they describe the same subject and combine into one richer memory.
- unrelated: different subjects.

Pick one action: skip, update, merge, keep_both.

Return JSON only:
{"kind": "equivalent", "confidence": 0.9, "action": "skip"}`

const mergeTemplate = `Merge the two memory texts below into one concise memory. Keep every distinct concrete detail from both; drop repetition. Answer with the merged text only, no preamble.

FIRST: {{first}}
SECOND: {{second}}`

const compressionTemplate = `Compress the memory below to less than half its length. Keep concrete facts, names, numbers, and outcomes; drop filler and restatement. Answer with the compressed text only.

MEMORY:
{{content}}`

const proceduralTemplate = `You are recording a procedure the user carried out, reconstructed from screen captures and conversation. Write a numbered step-by-step record of what was done, in order, with the exact commands, applications, and settings involved. End with one line stating the outcome. Answer with the procedure text only.`

const entityExtractionTemplate = `Extract entities and relationships from the text for a personal knowledge graph.

Entity types: person, organization, application, project, file, technology, place, event, concept.

Rules:
1. Use short canonical names ("vscode", not "the VS Code editor window").
2. Only extract relationships stated or directly implied by the text.
3. relationship is a short snake_case verb phrase ("works_at", "uses", "depends_on").

Text:
{{text}}

Return JSON only:
{"entities": [{"name": "alice", "type": "person"}], "relations": [{"source": "alice", "relationship": "works_at", "target": "acme"}]}`
