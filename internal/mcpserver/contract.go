package mcpserver

// UsageContract describes the store's identifier formats, watermarking
// behavior, and traceability rules for LLM consumers.
const UsageContract = `# Odal Note Store Usage Contract

Odal stores course note PDFs and delivers per-recipient watermarked copies.
Agents interacting with the store MUST follow these rules.

## Identifiers

1. **Course codes** are 3-4 upper-case letters followed by 4 digits
   (e.g. ` + "`" + `ENGR101` + "`" + `, ` + "`" + `MATH2001` + "`" + `). Lower-case input is accepted and
   normalized to upper case.
2. **Identities** (uploader, recipient) are 1-64 characters from
   ` + "`" + `A-Z a-z 0-9 . _ -` + "`" + `. They appear verbatim in visible marks and
   suggested filenames.
3. **Entry refs** are the UUID returned at upload time, or any unique
   prefix of it that is at least 8 characters long. An ambiguous prefix
   is rejected rather than guessed.

## Fetching

- ` + "`" + `fetch_note` + "`" + ` never returns the stored original. Every copy is
  rendered for the named recipient, carries a visible diagonal mark on
  every page, and embeds a copy token in the PDF metadata.
- Every fetch is recorded in an append-only download ledger BEFORE the
  copy is handed over. There is no way to fetch without leaving a record.
- The returned ` + "`" + `render_fingerprint` + "`" + ` is the SHA-256 of the delivered
  bytes; ` + "`" + `copy_token` + "`" + ` survives re-saves of the file. Either value
  resolves back to the recipient via ` + "`" + `trace_copy` + "`" + `.

## Uploading

4. **PDF only.** ` + "`" + `upload_note` + "`" + ` rejects anything that does not parse as
   a PDF document. Encrypted PDFs are rejected.
5. Sources are http(s) URLs or ` + "`" + `data:application/pdf;base64,...` + "`" + ` URIs.
   Loopback and cloud metadata addresses are refused.
6. Identical bytes uploaded twice share one stored document; each upload
   still creates its own catalog entry.
7. Uploads are capped in size and per-uploader count; exceeding either
   fails the upload before anything is stored.

## Removal

- Removing an entry hides it from browse and search but keeps the stored
  document and the full download history as audit evidence.
`
