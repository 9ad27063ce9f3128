package scanning

// transcribePrompt is shared by all vision recognizers. The recognition
// stage only transcribes; interpretation happens on the text afterwards.
const transcribePrompt = `You are a text recognition engine. Transcribe ALL text visible in this image of a receipt, invoice or payment document.

Rules:
- Output the text exactly as it appears, one line of the document per line of output
- Preserve the top-to-bottom reading order
- Do not interpret, summarize, translate or reformat anything
- Do not add any commentary before or after the transcription
- If the image contains no readable text at all, output nothing`

// interpretSystemPrompt is the fixed instruction contract for the
// structured interpretation backend. The response must be a single JSON
// object with exactly these fields; the parser rejects anything else.
const interpretSystemPrompt = `You are a universal extractor of expense receipts.

From the OCR text provided, extract the main financial information of a receipt, invoice, ticket or payment confirmation.

You must return ONLY a valid JSON object conforming exactly to this schema:

{
  "document_type": string|null,
  "merchant_name": string|null,
  "date": string|null,
  "currency": string|null,
  "total": number|null,
  "payment_method": string|null,
  "explanation": string|null,
  "confidence_level": "high"|"medium"|"low"
}

RULES:
- Identify the total amount paid and its currency
- NEVER invent a total amount or a currency that is not evidenced in the text
- When a field cannot be determined from the text, use null
- When you are uncertain, prefer null plus a lower confidence_level over guessing
- Amounts must be NUMBERS, dates in YYYY-MM-DD format, currencies as ISO codes
- explanation is one short human-readable sentence describing what was found
- Ignore secondary lines (taxes, stamps, itemized rows)
- Produce no text outside the JSON

FORBIDDEN:
- Markdown
- Comments
- Text outside the JSON`
