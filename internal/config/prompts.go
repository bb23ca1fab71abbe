package config

// Prompt names used by the generators.
const (
	PromptQAGeneration   = "qa_generation"
	PromptQARating       = "qa_rating"
	PromptCotGeneration  = "cot_generation"
	PromptCotEnhancement = "cot_enhancement"
	PromptSummarization  = "summarization"
)

// Built-in templates use Go template syntax. Custom prompts in the YAML
// file override them by name.
var defaultPrompts = map[string]string{
	PromptQAGeneration: `You create realistic, high-quality question-answer pairs from the text you are given.
Read the text below and write {{.num_pairs}} diverse question-answer pairs.

Guidelines:
1. Every question must be answerable from the text.
2. Vary the question style (what, how, why, when).
3. Mix factual, inferential and analytical questions.
4. Answers must be accurate and supported by the text, usually 2-5 sentences.
5. Each pair must stand on its own.

Text:
{{.text}}

Respond with a JSON array of objects with "question" and "answer" fields:
[
  {"question": "First question?", "answer": "First answer."},
  {"question": "Second question?", "answer": "Second answer."}
]

Write {{.num_pairs}} pairs.`,

	PromptQARating: `You rate question-answer pairs on a scale of 1-10.

Criteria: relevance, accuracy, completeness, clarity, educational value.

For each pair give a numeric rating (10 is excellent) and a short justification.

Pairs:
{{.pairs}}

Respond with a JSON array, one object per pair, repeating the original question and answer:
[
  {
    "question": "Original question",
    "answer": "Original answer",
    "rating": 8,
    "justification": "Short reason"
  }
]`,

	PromptCotGeneration: `You write chain-of-thought reasoning examples grounded in the text you are given.
Read the text below and write {{.num_examples}} examples. Each example has a question that needs
several reasoning steps, the step-by-step reasoning, and a short final answer.

Guidelines:
- Vary the question types (analytical, logical, quantitative).
- Keep every question tied to the text.
- Use 3-6 explicit steps, written as "Step 1: ...", "Step 2: ...".

Text:
{{.text}}

Respond with a JSON array of objects with "question", "reasoning" and "answer" fields:
[
  {
    "question": "Question that needs reasoning?",
    "reasoning": "Step 1: ...\nStep 2: ...\nStep 3: ...",
    "answer": "Short final answer"
  }
]

Write {{.num_examples}} examples.`,

	PromptCotEnhancement: `You add explicit chain-of-thought reasoning to conversations.
For every assistant message that answers a question, keep the user's question unchanged,
prepend step-by-step reasoning that leads to the answer, and keep the original answer.

Conversation:
{{.conversation}}

Respond with a JSON array of message objects in the same structure as the input:
[
  {"role": "system", "content": "Original system message"},
  {"role": "user", "content": "Original question"},
  {"role": "assistant", "content": "Step 1: ...\nStep 2: ...\n\nOriginal answer."}
]`,

	PromptSummarization: `Summarize the following document. Capture the main topics, arguments and conclusions,
keep the key facts and figures, and aim for about 10% of the original length.

Text:
{{.text}}

Write the summary in clear, concise language.`,
}
