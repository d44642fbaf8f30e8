package summarizer

const systemPrompt = `You are an assistant that analyzes chat discussions and maintains a structured, incremental digest of problems, decisions and key facts.

Messages may contain [image]...[/image] blocks: these hold text extracted from an attached image. Treat their content as part of the message.

Respond ONLY with valid JSON, without markdown formatting.`

const extractionPromptFormat = `You maintain a digest of a chat. Below are the chat overview, the problems already known, and a batch of new messages (format: [msg_id] author: text).

Chat overview:
%s

Known problems:
%s

%s
Analyze the new messages and return JSON with this exact structure:
{
    "new_problems": [
        {"title": "...", "short_summary": "...", "long_summary": "...", "solution": "...", "status": "unsolved|partial|solved", "message_ids": [msg_id, ...]}
    ],
    "problem_updates": [
        {"problem_id": 12, "new_status": "unsolved|partial|solved", "solution": "...", "message_ids": [msg_id, ...]}
    ],
    "overview_update": "updated 2-3 sentence chat description, or null if unchanged",
    "new_decisions": ["decision made in the new messages", ...],
    "new_key_points": ["important fact from the new messages", ...]
}

Rules:
- A "problem" is any question, issue or topic the participants try to resolve.
- Do NOT re-create problems that are already known; emit a problem_update with the known problem_id instead.
- Status policy: "solved" only when the messages contain an explicit, confirmed answer; "partial" when there are suggestions, shared experience or references without confirmation; "unsolved" when there is no response or only clarifying questions.
- "solution" is required when status is "solved" or "partial"; leave it empty when "unsolved".
- message_ids are the numbers in square brackets before each message. List every message relevant to the problem.
- overview_update must be null unless the new messages genuinely change the description of what the chat is about.
- Do not repeat decisions or key points that would add no new information.
- Respond ONLY with JSON, no markdown.`

const regeneratePromptFormat = `Re-read the messages linked to this problem and produce a fresh description of it.

Current problem:
Title: %s
Status: %s

Messages (format: [msg_id] author: text):
%s

Return JSON with this exact structure:
{
    "title": "...",
    "short_summary": "one or two sentences",
    "long_summary": "full description of the problem and its discussion",
    "solution": "the solution if one was given, otherwise empty",
    "status": "unsolved|partial|solved"
}

Status policy: "solved" only for an explicit, confirmed answer; "partial" for unconfirmed suggestions or shared experience; "unsolved" otherwise. Respond ONLY with JSON, no markdown.`
